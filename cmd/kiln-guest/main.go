// Command kiln-guest is the guest agent that hosts modules inside sandboxes.
// Inside a Firecracker microVM it runs as PID 1 and listens on vsock; when
// launched as a plain subprocess it listens on the unix socket named by
// KILN_GUEST_SOCKET. Either way it receives module artifacts from the host,
// executes or translates them, and streams events back.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o kiln-guest ./cmd/kiln-guest
package main

import (
	"log"
	"net"
	"os"
	"path/filepath"

	"github.com/mdlayher/vsock"

	"github.com/kilnproc/kiln/internal/guest"
	fc "github.com/kilnproc/kiln/internal/sandbox/firecracker"
	"github.com/kilnproc/kiln/internal/sandbox/proc"
)

func main() {
	guest.SetupInit()

	xlateBin := guest.DefaultXlateBin
	if v := os.Getenv(guest.EnvXlateBin); v != "" {
		xlateBin = v
	}

	var (
		l         net.Listener
		moduleDir string
		err       error
	)
	if socketPath := os.Getenv(proc.EnvGuestSocket); socketPath != "" {
		l, err = net.Listen("unix", socketPath)
		if err != nil {
			log.Fatalf("unix listen on %s: %v", socketPath, err)
		}
		moduleDir = filepath.Join(filepath.Dir(socketPath), "module")
		log.Printf("kiln-guest listening on unix socket %s", socketPath)
	} else {
		l, err = vsock.Listen(fc.DefaultVsockPort, nil)
		if err != nil {
			log.Fatalf("vsock listen on port %d: %v", fc.DefaultVsockPort, err)
		}
		moduleDir = fc.GuestModuleDir
		log.Printf("kiln-guest listening on vsock port %d", fc.DefaultVsockPort)
	}
	defer l.Close()

	agent := guest.New(l, guest.Options{
		ModuleDir: moduleDir,
		XlateBin:  xlateBin,
	})
	if err := agent.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
