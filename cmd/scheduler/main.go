// Command scheduler runs the Milvaion job-scheduling control plane: the
// dispatch loop, the status tracker, the log collector, the zombie
// detector, the DLQ handler, worker discovery and the operational server.
package main

import (
	"github.com/milvaion/milvaion/internal/di"
)

func main() {
	di.NewApp().Run()
}
