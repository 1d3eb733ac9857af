package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/acorn/server"
)

const remoteTimeout = 30 * time.Second

// remoteClient calls the runner service over plain gRPC. The server speaks
// gRPC on the same h2c listener as Connect, so any gRPC client works.
type remoteClient struct {
	conn *grpc.ClientConn
}

func dialRemote(addr string) (*remoteClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &remoteClient{conn: conn}, nil
}

func (c *remoteClient) Close() error {
	return c.conn.Close()
}

// call invokes procedure (a full /service/method path) with fields as the
// request struct.
func (c *remoteClient) call(ctx context.Context, procedure string, fields map[string]interface{}) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, procedure, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// runRemote optionally loads source on the server, runs entry and writes
// the responses as JSON.
func runRemote(addr, source, entry string, self int, w io.Writer) error {
	client, err := dialRemote(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
	defer cancel()

	if source != "" {
		resp, err := client.call(ctx, server.RunnerLoadProcedure, map[string]interface{}{"source": source})
		if err != nil {
			return fmt.Errorf("Load: %w", err)
		}
		if !resp.GetFields()["ok"].GetBoolValue() {
			writeJSON(w, resp)
			return fmt.Errorf("server rejected the program")
		}
		log.Infof("loaded program on %s", addr)
	}

	fields := map[string]interface{}{"self": float64(self)}
	if entry != "" {
		fields["entry"] = entry
	}
	resp, err := client.call(ctx, server.RunnerRunProcedure, fields)
	if err != nil {
		return fmt.Errorf("Run: %w", err)
	}
	writeJSON(w, resp)
	if !resp.GetFields()["ok"].GetBoolValue() {
		return fmt.Errorf("%s", resp.GetFields()["error"].GetStringValue())
	}
	return nil
}

func writeJSON(w io.Writer, msg *structpb.Struct) {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(msg)
	if err != nil {
		fmt.Fprintf(w, "%v\n", msg)
		return
	}
	fmt.Fprintln(w, string(out))
}
