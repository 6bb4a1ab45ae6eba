package pkg

import "fmt"

var (
	// Set by the linker at build time.
	RangekeeperVersion = "devel"
	GitRevision        = "devel"
)

func RangekeeperVersionRevision() string {
	return fmt.Sprintf("%s-%s", RangekeeperVersion, GitRevision)
}
