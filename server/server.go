package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/acorn/snapshot"
	"github.com/chazu/acorn/vm"
)

// AcornServer exposes one VM over RPC. It serves gRPC (binary protobuf)
// and Connect (HTTP/JSON) on the same port.
type AcornServer struct {
	worker   *VMWorker
	runner   *RunnerService
	profiler *vm.Profiler
	mux      *http.ServeMux
	log      commonlog.Logger
	httpSrv  *http.Server
}

// ServerOption configures an AcornServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	vmOpts    []vm.Option
	stepLimit uint64
	store     *snapshot.Store
}

// WithVMOptions sets options for every VM the server builds.
func WithVMOptions(opts ...vm.Option) ServerOption {
	return func(c *serverConfig) { c.vmOpts = append(c.vmOpts, opts...) }
}

// WithStepLimit bounds the instructions a single Run may execute.
// Zero means unlimited.
func WithStepLimit(n uint64) ServerOption {
	return func(c *serverConfig) { c.stepLimit = n }
}

// WithSnapshotStore enables the Save and Restore procedures.
func WithSnapshotStore(store *snapshot.Store) ServerOption {
	return func(c *serverConfig) { c.store = store }
}

// New creates an AcornServer running program p.
func New(p *vm.Program, opts ...ServerOption) (*AcornServer, error) {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	profiler := vm.NewProfiler(cfg.stepLimit)
	vmOpts := append(append([]vm.Option(nil), cfg.vmOpts...), vm.WithHook(profiler))

	worker := NewVMWorker(vm.New(p, vmOpts...))
	s := &AcornServer{
		worker:   worker,
		runner:   NewRunnerService(worker, profiler, cfg.store, vmOpts...),
		profiler: profiler,
		mux:      http.NewServeMux(),
		log:      commonlog.GetLogger("acorn.server"),
	}

	// Register Connect/gRPC service handlers
	handlers := map[string]func(context.Context, *structRequest) (*structResponse, error){
		"Load":        s.runner.Load,
		"Run":         s.runner.Run,
		"Globals":     s.runner.Globals,
		"Disassemble": s.runner.Disassemble,
		"Reset":       s.runner.Reset,
		"Save":        s.runner.Save,
		"Restore":     s.runner.Restore,
	}
	for _, m := range runnerMethods {
		md, err := RunnerMethod(m.name)
		if err != nil {
			worker.Stop()
			return nil, err
		}
		path := ProcedurePath(md)
		s.mux.Handle(path, connect.NewUnaryHandler(path, handlers[m.name],
			connect.WithSchema(md.UnwrapMethod()),
			connect.WithInterceptors(logInterceptor(s.log)),
		))
	}
	return s, nil
}

// Handler returns the HTTP handler serving every procedure.
func (s *AcornServer) Handler() http.Handler {
	return s.mux
}

// Profiler returns the step counter shared by every run.
func (s *AcornServer) Profiler() *vm.Profiler {
	return s.profiler
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
// Plaintext HTTP/2 is enabled so gRPC clients can connect without TLS.
func (s *AcornServer) ListenAndServe(addr string) error {
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		Protocols:         &protocols,
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Printf("Acorn runner listening on %s\n", addr)
	fmt.Printf("  Connect (HTTP/JSON): http://%s%s\n", addr, RunnerRunProcedure)
	fmt.Printf("  gRPC (binary):       grpc://%s\n", addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts down the server.
func (s *AcornServer) Stop() {
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.Warningf("shutdown: %v", err)
		}
	}
	s.worker.Stop()
}

func logInterceptor(log commonlog.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			res, err := next(ctx, req)
			if err != nil {
				log.Infof("%s failed after %s: %v", req.Spec().Procedure, time.Since(start), err)
			} else {
				log.Debugf("%s ok in %s", req.Spec().Procedure, time.Since(start))
			}
			return res, err
		}
	}
}

// NewRunnerClient returns a Connect client for one runner procedure.
func NewRunnerClient(httpClient connect.HTTPClient, baseURL, procedure string, opts ...connect.ClientOption) *connect.Client[structpb.Struct, structpb.Struct] {
	return connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+procedure, opts...)
}
