package profile

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of decoding a single artifact.
type Result struct {
	Path       string
	Credential *Credential
	Err        error
}

// DecodeAll decodes every path concurrently. Results are returned in the
// order of paths; a failure for one path never affects the others.
func (d *Decoder) DecodeAll(ctx context.Context, paths []string) []Result {
	results := make([]Result, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		g.Go(func() error {
			cred, err := d.Decode(ctx, path)
			results[i] = Result{Path: path, Credential: cred, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Credentials returns the successfully decoded credentials in order.
func Credentials(results []Result) []*Credential {
	var creds []*Credential
	for _, r := range results {
		if r.Err == nil {
			creds = append(creds, r.Credential)
		}
	}
	return creds
}
