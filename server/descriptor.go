package server

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/builder"
	"github.com/jhump/protoreflect/desc/protoprint"
	"google.golang.org/protobuf/types/known/structpb"
)

// RunnerServiceName is the fully-qualified name of the runner service.
const RunnerServiceName = "acorn.v1.RunnerService"

// Runner procedures. Every request and response is a google.protobuf.Struct,
// so Connect clients may post plain JSON objects.
const (
	RunnerLoadProcedure        = "/" + RunnerServiceName + "/Load"
	RunnerRunProcedure         = "/" + RunnerServiceName + "/Run"
	RunnerGlobalsProcedure     = "/" + RunnerServiceName + "/Globals"
	RunnerDisassembleProcedure = "/" + RunnerServiceName + "/Disassemble"
	RunnerResetProcedure       = "/" + RunnerServiceName + "/Reset"
	RunnerSaveProcedure        = "/" + RunnerServiceName + "/Save"
	RunnerRestoreProcedure     = "/" + RunnerServiceName + "/Restore"
)

var runnerMethods = []struct {
	name string
	doc  string
}{
	{"Load", " Load assembles {source} and replaces the running program.\n"},
	{"Run", " Run executes {entry, self} and reports the returned value.\n"},
	{"Globals", " Globals lists global and instance variables by name.\n"},
	{"Disassemble", " Disassemble renders the program, or one {code}, as assembly.\n"},
	{"Reset", " Reset clears the operand stack and every variable tier.\n"},
	{"Save", " Save writes globals and instance variables to the snapshot store.\n"},
	{"Restore", " Restore reads the snapshot store back into the VM.\n"},
}

var (
	runnerFileOnce sync.Once
	runnerFile     *desc.FileDescriptor
	runnerFileErr  error
)

// RunnerFile returns the descriptor of acorn/v1/runner.proto, built at
// first use.
func RunnerFile() (*desc.FileDescriptor, error) {
	runnerFileOnce.Do(func() {
		runnerFile, runnerFileErr = buildRunnerFile()
	})
	return runnerFile, runnerFileErr
}

func buildRunnerFile() (*desc.FileDescriptor, error) {
	structMD, err := desc.WrapMessage((&structpb.Struct{}).ProtoReflect().Descriptor())
	if err != nil {
		return nil, fmt.Errorf("wrap Struct descriptor: %w", err)
	}
	rt := builder.RpcTypeImportedMessage(structMD, false)

	svc := builder.NewService("RunnerService").
		SetComments(builder.Comments{LeadingComment: " RunnerService drives one Acorn VM.\n"})
	for _, m := range runnerMethods {
		svc.AddMethod(builder.NewMethod(m.name, rt, rt).
			SetComments(builder.Comments{LeadingComment: m.doc}))
	}

	fd, err := builder.NewFile("acorn/v1/runner.proto").
		SetPackageName("acorn.v1").
		SetProto3(true).
		AddService(svc).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build runner.proto: %w", err)
	}
	return fd, nil
}

// RunnerMethod returns the descriptor of one runner method.
func RunnerMethod(name string) (*desc.MethodDescriptor, error) {
	fd, err := RunnerFile()
	if err != nil {
		return nil, err
	}
	sd := fd.FindService(RunnerServiceName)
	if sd == nil {
		return nil, fmt.Errorf("service %s missing from %s", RunnerServiceName, fd.GetName())
	}
	md := sd.FindMethodByName(name)
	if md == nil {
		return nil, fmt.Errorf("method %s missing from %s", name, RunnerServiceName)
	}
	return md, nil
}

// ProcedurePath returns the HTTP path of a method, "/package.Service/Method".
func ProcedurePath(md *desc.MethodDescriptor) string {
	return "/" + md.GetService().GetFullyQualifiedName() + "/" + md.GetName()
}

// RunnerProto renders runner.proto as source text.
func RunnerProto() (string, error) {
	fd, err := RunnerFile()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	p := protoprint.Printer{Compact: true}
	if err := p.PrintProtoFile(fd, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}
