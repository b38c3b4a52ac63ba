//go:build profile

package prof

import (
	"errors"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an invalid or unsupported profile type.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile represents a pprof profile type.
type Profile string

// Profile type constants.
const (
	ProfileCPU       Profile = "cpu"
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

// String returns the string representation of the profile type.
func (p Profile) String() string {
	return string(p)
}

var (
	// cpuMutex protects CPU profiling state.
	cpuMutex sync.Mutex

	// cpuFile holds the file handle while CPU profiling is active.
	cpuFile *os.File
)

// StartCPU starts CPU profiling and writes the profile to the specified
// path. Returns [ErrCPUProfileActive] if CPU profiling is already active.
func StartCPU(path string) error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuFile != nil {
		return ErrCPUProfileActive
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	cpuFile = f
	return nil
}

// StopCPU stops CPU profiling. It is safe to call even if profiling is
// not active.
func StopCPU() {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuFile == nil {
		return
	}
	pprof.StopCPUProfile()
	cpuFile.Close()
	cpuFile = nil
}

// Write writes the specified snapshot profile to a file at the given
// path. Returns [ErrInvalidProfile] if [ProfileCPU] is specified; use
// [StartCPU]/[StopCPU] for CPU profiling.
func Write(profile Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteTo(profile, f)
}

// WriteTo writes the specified snapshot profile to the given writer in
// binary protobuf format. Returns [ErrInvalidProfile] if [ProfileCPU] is
// specified; use [StartCPU]/[StopCPU] for CPU profiling.
func WriteTo(profile Profile, w io.Writer) error {
	p := pprof.Lookup(string(profile))
	if p == nil {
		return ErrInvalidProfile
	}
	return p.WriteTo(w, 0)
}

// SetBlockProfileRate controls the fraction of goroutine blocking events
// that are reported in the blocking profile. The rate is the average
// number of nanoseconds to block before a blocking event is recorded.
// Set rate to 0 to disable block profiling, or 1 to record every
// blocking event.
func SetBlockProfileRate(rate int) {
	runtime.SetBlockProfileRate(rate)
}

// SetMutexProfileFraction controls the fraction of mutex contention
// events that are reported in the mutex profile. Set rate to 0 to
// disable mutex profiling, or 1 to record every contention event. On
// average, 1/rate events are recorded.
func SetMutexProfileFraction(rate int) {
	runtime.SetMutexProfileFraction(rate)
}
