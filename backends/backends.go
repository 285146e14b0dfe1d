// Package backends defines the interface a compute backend needs to implement
// to drive an augmentation pipeline: context/device management, buffer
// allocation, a command queue with ordered copies, kernel-module loading and
// a compiled graph of kernel invocations.
//
// The host (pure Go) reference implementation lives in
// github.com/gomlx/augment/backends/host. A backend for an accelerator
// runtime only needs to honor the narrow contracts below -- the orchestration
// layer never touches device memory directly.
//
// To simplify error handling, backend methods are expected to throw (panic)
// with a stack trace in case of errors, except where an error return is
// explicitly part of the contract. See package github.com/gomlx/exceptions.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/augment/types/images"
	"github.com/gomlx/exceptions"
)

// DeviceNum identifies a device within a backend. It's up to the backend to
// interpret it, but it should be between 0 and Backend.NumDevices.
type DeviceNum int

// Affinity selects whether a pipeline runs on the CPU or on an accelerator
// device. It determines the memory type of the images the pipeline creates.
type Affinity int

const (
	// CPU affinity: images live in host memory.
	CPU Affinity = iota

	// GPU affinity: images live in device memory, accessed through the
	// context's command queue.
	GPU
)

// String implements fmt.Stringer.
func (a Affinity) String() string {
	if a == CPU {
		return "cpu"
	}
	return "gpu"
}

// Backend is the entry point implemented by each registered compute backend.
type Backend interface {
	// Name returns the short name of the backend, e.g. "host".
	Name() string

	// Description is a longer description of the backend for pretty-printing.
	Description() string

	// NumDevices returns the number of devices available for this backend.
	NumDevices() DeviceNum

	// NewContext creates the execution context that owns buffers, queues and
	// compiled graphs. cpuThreads limits host-side worker threads (<= 0 means
	// the backend default). It panics with a descriptive message on failure
	// (unknown device, unsupported affinity).
	NewContext(affinity Affinity, deviceNum DeviceNum, cpuThreads int) Context
}

// Context owns the resources of one pipeline: buffers, the command queue and
// compiled graphs. It is exclusively owned by one master graph and is not
// safe for concurrent use.
type Context interface {
	// MemType returns where this context allocates image buffers, derived
	// from the affinity it was created with.
	MemType() images.MemType

	// LoadKernelModule makes the named kernel module available for graph
	// nodes. It returns an error if the module is missing; callers decide
	// whether a given module is required or optional.
	LoadKernelModule(name string) error

	// NewBuffer allocates a buffer of the given size in bytes in the
	// context's memory type. Panics on allocation failure.
	NewBuffer(size int) Buffer

	// FinalizeBuffer releases a buffer allocated by NewBuffer. Safe to call
	// on already-finalized buffers.
	FinalizeBuffer(buffer Buffer) error

	// Queue returns the context's command queue.
	Queue() Queue

	// NewGraph returns an empty graph bound to this context.
	NewGraph() Graph

	// RunKernel dispatches a data-parallel utility kernel, workSize being the
	// number of logical threads (one per output element). The dispatch is
	// complete when it returns, but results written to device buffers still
	// require a queue read or ReadFloats to observe from the host. Panics if
	// the kernel is unknown or the arguments don't match its binding.
	RunKernel(kernel string, workSize int, args ...any)

	// ReadFloats does a blocking read of a float32 device buffer into dst.
	// It establishes a completion barrier for all previously queued work.
	ReadFloats(src Buffer, dst []float32)

	// Finalize releases the context and everything it still owns. Idempotent.
	Finalize() error
}

// Buffer is an opaque handle to backend memory. Host-addressable buffers
// additionally implement HostBuffer.
type Buffer interface {
	// Size in bytes.
	Size() int
}

// HostBuffer is implemented by buffers directly addressable from the host.
// The host backend implements it for all buffers; device backends for none.
type HostBuffer interface {
	Buffer

	// Bytes returns the backing storage. The caller may read and write it
	// freely between graph executions.
	Bytes() []byte
}

// Queue is a command queue with the ordering contract the pipeline's raw
// output copy relies on: copies enqueued with blocking=false may be deferred,
// but when any subsequent blocking operation on the same queue returns, all
// previously enqueued copies are complete and visible.
type Queue interface {
	// CopyToHost copies a buffer's contents into dst. With blocking=false the
	// copy may be deferred until the next blocking call on this queue.
	CopyToHost(src Buffer, dst []byte, blocking bool)

	// CopyFromHost copies src into a buffer, with the same blocking semantics
	// as CopyToHost.
	CopyFromHost(dst Buffer, src []byte, blocking bool)

	// Finish blocks until every enqueued operation completed.
	Finish()
}

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

// Register a backend with the given name and a constructor that takes a
// backend-specific configuration string.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use if the environment
// variable is not set. See NewWithConfig for the format.
var DefaultConfig string

// AUGMENT_BACKEND is the environment variable with the default backend
// configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>": the name
// of a registered backend (e.g. "host") followed by a backend-specific
// configuration string.
const AUGMENT_BACKEND = "AUGMENT_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
//  1. The environment AUGMENT_BACKEND is used as a configuration if defined.
//  2. Next the variable DefaultConfig is used as a configuration if defined.
//  3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(AUGMENT_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Backend from a configuration string formatted as
// "<backend_name>:<backend_configuration>". An empty name selects the first
// registered backend.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- maybe import the default one with import _ "github.com/gomlx/augment/backends/default"?`)
	}
	backendName := firstRegistered
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
