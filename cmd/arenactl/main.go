// Package main provides arenactl, the operator CLI for the arena admin service.
//
// Usage:
//
//	arenactl [flags] [-paused] prepare <plugin> [name0 name1]
//	arenactl [flags] pause <room>
//	arenactl [flags] resume <room>
//	arenactl [flags] terminate <room> [reason]
//	arenactl [flags] list
//	arenactl hash <passphrase>
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/arena/internal/admin"
	"github.com/cory-johannsen/arena/internal/config"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file used for the admin address")
	addr := flag.String("addr", "", "admin gRPC address; overrides the configuration")
	passphrase := flag.String("passphrase", os.Getenv("ARENA_ADMIN_PASSPHRASE"), "admin passphrase")
	paused := flag.Bool("paused", false, "prepare: start the room paused")
	timeout := flag.Duration("timeout", 10*time.Second, "call timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	if args[0] == "hash" {
		if len(args) != 2 {
			log.Fatal("usage: arenactl hash <passphrase>")
		}
		hash, err := admin.HashPassphrase(args[1])
		if err != nil {
			log.Fatalf("hashing passphrase: %v", err)
		}
		fmt.Println(hash)
		return
	}

	target := *addr
	if target == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		target = cfg.Admin.Addr()
	}

	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if *passphrase != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(admin.Passphrase(*passphrase)))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		log.Fatalf("connecting to %s: %v", target, err)
	}
	defer conn.Close()
	client := admin.NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := run(ctx, client, args, *paused)
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
	out, err := protojson.MarshalOptions{Multiline: true}.Marshal(resp)
	if err != nil {
		log.Fatalf("encoding response: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%s\n", out)
	fmt.Fprintf(os.Stderr, "%s ok [%s]\n", args[0], time.Since(start))
}

func run(ctx context.Context, client *admin.Client, args []string, paused bool) (*structpb.Struct, error) {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "prepare":
		if len(rest) != 1 && len(rest) != 3 {
			return nil, fmt.Errorf("usage: prepare <plugin> [name0 name1]")
		}
		req := map[string]any{"plugin": rest[0], "paused": paused}
		if len(rest) == 3 {
			req["names"] = []any{rest[1], rest[2]}
		}
		return call(ctx, client.PrepareGame, req)
	case "pause", "resume":
		if len(rest) != 1 {
			return nil, fmt.Errorf("usage: %s <room>", cmd)
		}
		fn := client.PauseRoom
		if cmd == "resume" {
			fn = client.ResumeRoom
		}
		return call(ctx, fn, map[string]any{"room_id": rest[0]})
	case "terminate":
		if len(rest) < 1 {
			return nil, fmt.Errorf("usage: terminate <room> [reason]")
		}
		return call(ctx, client.TerminateRoom, map[string]any{
			"room_id": rest[0],
			"reason":  strings.Join(rest[1:], " "),
		})
	case "list":
		return call(ctx, client.ListRooms, map[string]any{})
	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}

type method func(context.Context, *structpb.Struct, ...grpc.CallOption) (*structpb.Struct, error)

func call(ctx context.Context, fn method, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	return fn(ctx, in)
}
