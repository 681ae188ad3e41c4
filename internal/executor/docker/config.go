package docker

// Config holds the container sandbox settings for REPL children.
type Config struct {
	// Image must contain the REPL server or driver at the paths the engine
	// resolves.
	Image string
	// Pull fetches Image when the launcher is created.
	Pull bool
	// MemoryLimit is the maximum amount of memory the container can use (in bytes).
	MemoryLimit int64
	// CPULimit is the number of CPUs the container can use.
	CPULimit float64
	// User the REPL runs as inside the container.
	User string
	// Network is the container network mode; "none" isolates the REPL.
	Network string
	// ReadonlyRootfs mounts the image read-only with a writable /tmp.
	ReadonlyRootfs bool
	// Terminal allocates a TTY for the interactive engine. Output then
	// arrives as one stream and interrupts are sent as Ctrl-C.
	Terminal bool
}

// DefaultConfig provides sandbox defaults sized for a compiled REPL.
func DefaultConfig() Config {
	return Config{
		Image: "modular/max-full:latest",
		Pull:  true,
		// 2 GB memory limit; the compiler is hungry
		MemoryLimit: 2 * 1024 * 1024 * 1024,
		// 2 CPUs
		CPULimit:       2,
		User:           "nobody",
		Network:        "none",
		ReadonlyRootfs: true,
	}
}
