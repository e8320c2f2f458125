package relay

import (
	"context"
	"sort"
)

func withTag(tags map[string]string, kv ...string) map[string]string {
	out := make(map[string]string, len(tags)+len(kv)/2)
	for k, v := range tags {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

// mergeCancel returns a context that ends when either parent or other ends.
func mergeCancel(parent, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if other == nil {
		return ctx, func() { cancel(nil) }
	}
	stop := context.AfterFunc(other, func() { cancel(context.Cause(other)) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

func sortOutcomes(list []Outcome) {
	sort.Slice(list, func(i, j int) bool { return list[i].Listener < list[j].Listener })
}
