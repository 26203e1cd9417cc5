// Command wireline is a JSON-RPC 1.0 client, server, and monitor speaking
// concatenated-JSON framing over tcp and unix streams.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/pressly/cli"

	"github.com/pkarhunen/wireline/internal/jsonrpc"
	"github.com/pkarhunen/wireline/internal/poll"
	"github.com/pkarhunen/wireline/internal/stream"
)

func main() {
	root := &cli.Command{
		Name:      "wireline",
		ShortHelp: "JSON-RPC 1.0 over tcp/unix byte streams",
		SubCommands: []*cli.Command{
			{
				Name:      "call",
				Usage:     "call <target> <method> [<params-json-array>]",
				ShortHelp: "Send one request and print the reply",
				Exec:      runCall,
			},
			{
				Name:      "serve",
				Usage:     "serve <target>",
				ShortHelp: "Accept connections, answer echo requests, log the rest",
				Exec:      runServe,
			},
			{
				Name:      "monitor",
				Usage:     "monitor <target> [<cel-filter>]",
				ShortHelp: "Keep a reconnecting session open and print delivered messages",
				Exec:      runMonitor,
			},
		},
	}
	if err := cli.ParseAndRun(context.Background(), root, os.Args[1:], nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// dialBlock opens the target and waits for the connection to establish.
func dialBlock(ctx context.Context, target string) (stream.Stream, error) {
	st, err := stream.Open(target)
	if err != nil {
		return nil, err
	}
	var w poll.Waiter
	for {
		err := st.Connect()
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, stream.ErrAgain) {
			st.Close()
			return nil, fmt.Errorf("connect %s: %w", target, err)
		}
		w.Reset()
		st.Wait(&w)
		if err := w.Block(ctx); err != nil {
			st.Close()
			return nil, err
		}
	}
}

func runCall(ctx context.Context, s *cli.State) error {
	if len(s.Args) < 2 || len(s.Args) > 3 {
		return errors.New("usage: call <target> <method> [<params-json-array>]")
	}
	target, method := s.Args[0], s.Args[1]
	params := json.RawMessage("[]")
	if len(s.Args) == 3 {
		params = json.RawMessage(s.Args[2])
		if !json.Valid(params) {
			return fmt.Errorf("params is not valid JSON: %q", s.Args[2])
		}
	}

	st, err := dialBlock(ctx, target)
	if err != nil {
		return err
	}
	conn := jsonrpc.NewConn(st, nil)
	defer conn.Close()

	reply, err := conn.TransactBlock(ctx, jsonrpc.NewRequest(method, params))
	if err != nil {
		return err
	}
	if reply.Type == jsonrpc.TypeError {
		return fmt.Errorf("%s: server error: %s", method, reply.Error)
	}
	fmt.Printf("%s\n", reply.Result)
	return nil
}

func runServe(ctx context.Context, s *cli.State) error {
	if len(s.Args) != 1 {
		return errors.New("usage: serve <target>")
	}
	ln, err := stream.Listen(s.Args[0])
	if err != nil {
		return err
	}
	defer ln.Close()
	logger := slog.Default()
	logger.Info("listening", slog.String("target", ln.Name()))

	for {
		st, err := ln.Accept()
		if err != nil {
			return err
		}
		go serveConn(ctx, st, logger)
	}
}

// serveConn answers echo requests on one connection and logs everything
// else, rejecting unknown methods.
func serveConn(ctx context.Context, st stream.Stream, logger *slog.Logger) {
	conn := jsonrpc.NewConn(st, logger)
	defer conn.Close()
	for {
		msg, err := conn.RecvBlock(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Info("connection closed", slog.String("conn", conn.Name()), slog.Any("error", err))
			}
			return
		}
		switch {
		case msg.Type == jsonrpc.TypeRequest && msg.Method == "echo":
			err = conn.Send(jsonrpc.NewReply(msg.Params, msg.ID))
		case msg.Type == jsonrpc.TypeRequest:
			errVal, _ := json.Marshal("unknown method: " + msg.Method)
			err = conn.Send(jsonrpc.NewError(errVal, msg.ID))
		default:
			logger.Info("received", slog.String("conn", conn.Name()),
				slog.String("type", msg.Type.String()), slog.String("method", msg.Method))
		}
		if err != nil {
			return
		}
	}
}

func runMonitor(ctx context.Context, s *cli.State) error {
	if len(s.Args) < 1 || len(s.Args) > 2 {
		return errors.New("usage: monitor <target> [<cel-filter>]")
	}
	var filter cel.Program
	if len(s.Args) == 2 {
		var err error
		filter, err = compileFilter(s.Args[1])
		if err != nil {
			return err
		}
	}

	sess := jsonrpc.OpenSession(s.Args[0], time.Now(), nil)
	defer sess.Close()

	var w poll.Waiter
	for {
		sess.Run(time.Now())
		for {
			msg := sess.Recv(time.Now())
			if msg == nil {
				break
			}
			keep, err := matchFilter(filter, msg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "filter: %v\n", err)
				continue
			}
			if !keep {
				continue
			}
			out, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Printf("%s\n", out)
		}
		w.Reset()
		sess.Wait(&w, time.Now())
		sess.RecvWait(&w)
		if err := w.Block(ctx); err != nil {
			return err
		}
	}
}

// compileFilter builds a CEL program over the message fields `method`
// (string), `type` (string), and `params` (dyn).
func compileFilter(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("params", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("bad filter %q: %w", expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("bad filter %q: %w", expr, err)
	}
	return prg, nil
}

func matchFilter(filter cel.Program, msg *jsonrpc.Message) (bool, error) {
	if filter == nil {
		return true, nil
	}
	var params any = []any{}
	if msg.Params != nil {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return false, err
		}
	}
	out, _, err := filter.Eval(map[string]any{
		"method": msg.Method,
		"type":   msg.Type.String(),
		"params": params,
	})
	if err != nil {
		return false, err
	}
	keep, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter did not evaluate to a boolean")
	}
	return keep, nil
}
