package migrate

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/localstore/internal/schema"
	"github.com/roach88/localstore/internal/snapshot"
	"github.com/roach88/localstore/internal/usage"
)

// DefaultSteps derives one step per version boundary from the registry:
// collections introduced at From+1 are initialized empty and collections
// removed at From+1 are dropped. The 9->10 step also back-fills image
// usage metadata.
func DefaultSteps(registry *schema.Registry) []Step {
	versions := registry.Versions()
	var steps []Step
	for i := 0; i+1 < len(versions); i++ {
		from, to := versions[i], versions[i+1]
		for v := from; v < to; v++ {
			steps = append(steps, boundaryStep(registry, v))
		}
	}
	return steps
}

func boundaryStep(registry *schema.Registry, from int) Step {
	to := from + 1
	var added []string
	for _, name := range registry.ActiveNames(to) {
		if !registry.IsActive(name, from) {
			added = append(added, name)
		}
	}
	removed := registry.Removed(to)

	name := fmt.Sprintf("v%d->v%d", from, to)
	apply := func(ctx context.Context, s *snapshot.Snapshot, env *Env) error {
		for _, n := range added {
			ensureCollection(s, n)
		}
		for _, n := range removed {
			if s.Has(n) {
				env.Logger.Info("dropping deprecated collection", "store", n, "records", len(s.Stores[n]))
				delete(s.Stores, n)
			}
		}
		return nil
	}
	if from == 9 {
		name += " usage back-fill"
		base := apply
		apply = func(ctx context.Context, s *snapshot.Snapshot, env *Env) error {
			if err := base(ctx, s, env); err != nil {
				return err
			}
			backfillImageUsage(s, env)
			return nil
		}
	}
	return Step{From: from, Name: name, Apply: apply}
}

func ensureCollection(s *snapshot.Snapshot, name string) {
	if !s.Has(name) || s.Stores[name] == nil {
		s.Stores[name] = []any{}
	}
}

// backfillImageUsage synthesizes an imageUsageMetadata record for every
// image in fileStorage that has none, classifying it by the categories of
// the fileReferences pointing at it. Malformed records are logged and skipped.
func backfillImageUsage(s *snapshot.Snapshot, env *Env) {
	ensureCollection(s, schema.ImageUsageMetadata)

	existing := map[string]bool{}
	for _, v := range s.Stores[schema.ImageUsageMetadata] {
		if rec, ok := v.(map[string]any); ok {
			if id, ok := rec["fileId"].(string); ok {
				existing[id] = true
			}
		}
	}

	categories := map[string][]string{}
	for i, v := range s.Stores[schema.FileReferences] {
		rec, ok := v.(map[string]any)
		if !ok {
			env.Logger.Warn("skipping malformed file reference", "index", i)
			continue
		}
		id, _ := rec["fileId"].(string)
		cat, _ := rec["category"].(string)
		if id == "" || cat == "" {
			continue
		}
		if !slices.Contains(categories[id], cat) {
			categories[id] = append(categories[id], cat)
		}
	}

	added := 0
	for i, v := range s.Stores[schema.FileStorage] {
		rec, ok := v.(map[string]any)
		if !ok {
			env.Logger.Warn("skipping malformed file record", "index", i)
			continue
		}
		id, ok := rec["fileId"].(string)
		if !ok || id == "" {
			env.Logger.Warn("skipping file record without fileId", "index", i)
			continue
		}
		mime, _ := rec["type"].(string)
		if !usage.IsImageType(mime) || existing[id] {
			continue
		}

		cats := categories[id]
		meta := map[string]any{
			"fileId":    id,
			"usageType": string(usage.Classify(cats)),
			"category":  usage.PrimaryCategory(cats),
			"tags":      []any{},
			"createdAt": createdAtOf(rec, env),
			"fileName":  fileNameOf(rec, id),
			"size":      sizeOf(rec),
		}
		s.Stores[schema.ImageUsageMetadata] = append(s.Stores[schema.ImageUsageMetadata], meta)
		existing[id] = true
		added++
	}
	if added > 0 {
		env.Logger.Info("back-filled image usage metadata", "records", added)
	}
}

func createdAtOf(rec map[string]any, env *Env) any {
	if s, ok := rec["createdAt"].(string); ok && s != "" {
		return s
	}
	if n, ok := number(rec["createdAt"]); ok {
		return n
	}
	return float64(env.Now.UnixMilli())
}

func fileNameOf(rec map[string]any, fileID string) string {
	if md, ok := rec["metadata"].(map[string]any); ok {
		for _, key := range []string{"fileName", "name"} {
			if name, ok := md[key].(string); ok && name != "" {
				return name
			}
		}
	}
	return fileID
}

func sizeOf(rec map[string]any) float64 {
	if n, ok := number(rec["size"]); ok {
		return n
	}
	if data, ok := rec["data"].(string); ok {
		return float64(len(data))
	}
	return 0
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
