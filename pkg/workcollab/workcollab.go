// Package workcollab defines the boundary to the work collaborator: the
// agent runtime that actually performs a purchased task. The broker only
// delivers the job payload to the collaborator and relays its answer, so
// this package is just the Collaborator interface, an in-process echo stub,
// and a remote implementation that routes each task type to one of an agent
// runtime's gRPC methods.
package workcollab

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bufbuild/protocompile"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Collaborator performs taskType against input and returns the result
// artifact. Implementations may be in-process (for tests and the demo) or
// reach a remote agent runtime over gRPC.
type Collaborator interface {
	Run(ctx context.Context, taskType string, input json.RawMessage) (json.RawMessage, error)
}

// EchoCollaborator is the shipped default: it performs no real work, just
// wraps the input back up with the task type, enough to exercise the 402
// handshake, verification, and result delivery end to end without a real
// hosting agent attached.
type EchoCollaborator struct{}

// Run implements Collaborator.
func (EchoCollaborator) Run(_ context.Context, taskType string, input json.RawMessage) (json.RawMessage, error) {
	out := map[string]any{
		"task_type": taskType,
		"echo":      json.RawMessage(input),
	}
	return json.Marshal(out)
}

// taskEnvelope is the job payload the broker hands a remote runtime: the
// runtime's request message is expected to carry matching task_type and
// input fields.
type taskEnvelope struct {
	TaskType string          `json:"task_type"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// remoteMethod is one invokable RPC resolved from the runtime's proto set:
// its wire path plus the request/response message shapes needed to build
// dynamic messages per call.
type remoteMethod struct {
	path     string
	request  protoreflect.MessageDescriptor
	response protoreflect.MessageDescriptor
}

// RemoteCollaborator reaches an agent runtime over gRPC without generated
// stubs. The runtime's .proto sources are compiled once at construction and
// every service method is indexed by name; each task type is routed to
// one of those methods, with an optional catch-all for task types the route
// table does not name explicitly. Routing mistakes surface at construction,
// not on the first paid job.
type RemoteCollaborator struct {
	conn     *grpc.ClientConn
	methods  map[string]remoteMethod
	routes   map[string]string
	fallback string
	timeout  time.Duration
}

// NewRemoteCollaborator dials endpoint and prepares the task_type -> method
// routing over protoSources (filename -> content). routes maps task types to
// method names declared in the protos; fallback, if non-empty, handles any
// task type missing from routes. Endpoints with an "https://" scheme use
// TLS; "http://" or bare host:port dial insecurely.
func NewRemoteCollaborator(endpoint string, protoSources map[string]string, routes map[string]string, fallback string, timeout time.Duration) (*RemoteCollaborator, error) {
	methods, err := indexMethods(protoSources)
	if err != nil {
		return nil, err
	}
	for taskType, method := range routes {
		if _, ok := methods[method]; !ok {
			return nil, fmt.Errorf("workcollab: route %q -> %q names no method in the collaborator protos", taskType, method)
		}
	}
	if fallback != "" {
		if _, ok := methods[fallback]; !ok {
			return nil, fmt.Errorf("workcollab: fallback method %q not declared in the collaborator protos", fallback)
		}
	}

	target, creds := dialTarget(endpoint)
	conn, err := grpc.NewClient(target, creds)
	if err != nil {
		return nil, fmt.Errorf("workcollab: dial %s: %w", endpoint, err)
	}

	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RemoteCollaborator{
		conn:     conn,
		methods:  methods,
		routes:   routes,
		fallback: fallback,
		timeout:  timeout,
	}, nil
}

// Close releases the underlying connection. Safe on a nil receiver.
func (rc *RemoteCollaborator) Close() error {
	if rc == nil || rc.conn == nil {
		return nil
	}
	return rc.conn.Close()
}

// Run implements Collaborator: it wraps the job in a taskEnvelope, invokes
// the method routed for taskType, and returns the response as JSON.
func (rc *RemoteCollaborator) Run(ctx context.Context, taskType string, input json.RawMessage) (json.RawMessage, error) {
	m, err := rc.methodFor(taskType)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(taskEnvelope{TaskType: taskType, Input: input})
	if err != nil {
		return nil, err
	}
	req := dynamicpb.NewMessage(m.request)
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(body, req); err != nil {
		return nil, fmt.Errorf("workcollab: job for %q does not fit %s's request: %w", taskType, m.path, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	resp := dynamicpb.NewMessage(m.response)
	if err := rc.conn.Invoke(callCtx, m.path, req, resp); err != nil {
		return nil, fmt.Errorf("workcollab: %s for task %q: %w", m.path, taskType, err)
	}
	return protojson.Marshal(resp)
}

// methodFor resolves taskType through the route table, falling back to the
// catch-all method when one is configured.
func (rc *RemoteCollaborator) methodFor(taskType string) (remoteMethod, error) {
	name, ok := rc.routes[taskType]
	if !ok {
		name = rc.fallback
	}
	if name == "" {
		return remoteMethod{}, fmt.Errorf("workcollab: no method routed for task_type %q", taskType)
	}
	m, ok := rc.methods[name]
	if !ok {
		return remoteMethod{}, fmt.Errorf("workcollab: routed method %q not declared in the collaborator protos", name)
	}
	return m, nil
}

// indexMethods compiles the runtime's proto sources and collects every
// service method, keyed by simple method name. Duplicate method names across
// services are rejected rather than silently shadowed, since the route table
// refers to methods by simple name.
func indexMethods(protoSources map[string]string) (map[string]remoteMethod, error) {
	if len(protoSources) == 0 {
		return nil, fmt.Errorf("workcollab: no proto sources supplied for the remote collaborator")
	}
	filenames := make([]string, 0, len(protoSources))
	for name := range protoSources {
		filenames = append(filenames, name)
	}
	sort.Strings(filenames)

	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			Accessor: protocompile.SourceAccessorFromMap(protoSources),
		}),
	}
	files, err := compiler.Compile(context.Background(), filenames...)
	if err != nil {
		return nil, fmt.Errorf("workcollab: compile collaborator protos: %w", err)
	}

	index := make(map[string]remoteMethod)
	for _, file := range files {
		services := file.Services()
		for i := 0; i < services.Len(); i++ {
			service := services.Get(i)
			methods := service.Methods()
			for j := 0; j < methods.Len(); j++ {
				method := methods.Get(j)
				name := string(method.Name())
				if _, dup := index[name]; dup {
					return nil, fmt.Errorf("workcollab: method name %q declared by more than one service", name)
				}
				index[name] = remoteMethod{
					path:     fmt.Sprintf("/%s/%s", service.FullName(), method.Name()),
					request:  method.Input(),
					response: method.Output(),
				}
			}
		}
	}
	if len(index) == 0 {
		return nil, fmt.Errorf("workcollab: collaborator protos declare no service methods")
	}
	return index, nil
}

// dialTarget strips the endpoint's scheme and picks transport credentials
// from it.
func dialTarget(endpoint string) (string, grpc.DialOption) {
	if target, ok := strings.CutPrefix(endpoint, "https://"); ok {
		return target, grpc.WithTransportCredentials(credentials.NewTLS(nil))
	}
	target, _ := strings.CutPrefix(endpoint, "http://")
	return target, grpc.WithTransportCredentials(insecure.NewCredentials())
}
