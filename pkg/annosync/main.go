package annosync

import (
	"context"
	"io"

	"github.com/jessevdk/go-flags"
)

// Main parses args, runs the selected command and returns its error. It can
// be called from tests without building the binary; command output goes to
// out.
func Main(ctx context.Context, args []string, out io.Writer) error {
	config := new(Config)
	parser := flags.NewNamedParser("annosync", flags.Default)
	parser.ShortDescription = "Keep a document store in sync with a relational store"
	parser.LongDescription = `
annosync keeps denormalized projections of documents, annotation schemas,
annotations and their history in a document store (SurrealDB or MongoDB)
consistent with the authoritative relational store, and repairs drift.
`
	if _, err := parser.AddGroup("Global options", "", config); err != nil {
		return err
	}
	if err := addCommands(parser, &command{ctx: ctx, config: config, out: out}); err != nil {
		return err
	}
	_, err := parser.ParseArgs(args)
	return err
}
