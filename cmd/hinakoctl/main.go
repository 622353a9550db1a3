// Command hinakoctl is a thin host around pkg/hinako: it reads a config
// file describing a batch of in-process hooks and either validates it
// or installs the batch and holds it until the process is signalled to
// exit.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
