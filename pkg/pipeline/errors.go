package pipeline

import "github.com/coldshard/objectcore/internal/ocerr"

// ErrShuttingDown is returned by QueueTransactions once Shutdown has been
// called; the pipeline refuses new submissions while it quiesces.
var ErrShuttingDown = ocerr.New("pipeline.QueueTransactions", ocerr.Fatal, "pipeline is shutting down")

// ErrTooManyTransactions is returned by QueueTransactions when the caller
// passes more transactions than config.MaxLogEntriesPerEvent allows to be
// coalesced into a single journal append.
var ErrTooManyTransactions = ocerr.New("pipeline.QueueTransactions", ocerr.InvalidArgument, "transaction batch exceeds max log entries per event")
