// Command pyindexd is the entry point for the code-analysis core: the
// storage engine, file watcher, indexer, vectorizer, and the orchestrator
// that supervises them.
package main

import (
	"github.com/pyindex/pyindexd/cmd"
)

func main() {
	cmd.Execute()
}
