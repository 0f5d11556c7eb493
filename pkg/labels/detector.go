package labels

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/pkg/schema"
)

// SampleAfter is the number of values a heuristic instance inspects before
// further values are sampled with probability 1/tested.
const SampleAfter = 100

type instanceKey struct {
	schema    string
	property  string
	valueType schema.ValueType
}

type instance struct {
	heuristics []Heuristic
	tested     int64
}

// Detector implements schema.LabelObserver
type Detector struct {
	mu        sync.Mutex
	registry  *Registry
	rand      *rand.Rand
	logger    *zap.Logger
	instances map[instanceKey]*instance
}

var _ schema.LabelObserver = (*Detector)(nil)

// Option configures a Detector
type Option func(*Detector)

// WithRand sets the random source used for sampling
func WithRand(r *rand.Rand) Option {
	return func(d *Detector) { d.rand = r }
}

// WithRegistry replaces the default heuristic registry
func WithRegistry(r *Registry) Option {
	return func(d *Detector) { d.registry = r }
}

// WithLogger sets the detector logger
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// NewDetector creates a detector using the default registry and a clock
// seeded random source unless overridden.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		instances: make(map[instanceKey]*instance),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.registry == nil {
		d.registry = DefaultRegistry()
	}
	if d.rand == nil {
		d.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return d
}

// Observe feeds one value to every heuristic registered for its type
func (d *Detector) Observe(schemaSlug, property string, vt schema.ValueType, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := instanceKey{schema: schemaSlug, property: property, valueType: vt}
	inst, ok := d.instances[key]
	if !ok {
		factories := d.registry.For(vt)
		inst = &instance{heuristics: make([]Heuristic, len(factories))}
		for i, f := range factories {
			inst.heuristics[i] = f.New(property)
		}
		d.instances[key] = inst
	}
	if len(inst.heuristics) == 0 {
		return
	}

	if inst.tested > SampleAfter && d.rand.Int63n(inst.tested) != 0 {
		return
	}

	inst.tested++
	for _, h := range inst.heuristics {
		h.Inspect(value)
	}
}

// Tested returns how many values were inspected for a property and type
func (d *Detector) Tested(schemaSlug, property string, vt schema.ValueType) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if inst, ok := d.instances[instanceKey{schema: schemaSlug, property: property, valueType: vt}]; ok {
		return inst.tested
	}
	return 0
}

// Merge replaces each property's content labels with the merge of its
// existing labels and the labels computed in this run.
func (d *Detector) Merge(schemas map[string]*schema.SchemaDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()

	computed := make(map[string]map[string][]result)
	for key, inst := range d.instances {
		props, ok := computed[key.schema]
		if !ok {
			props = make(map[string][]result)
			computed[key.schema] = props
		}
		for _, h := range inst.heuristics {
			if !h.ThresholdMet() {
				continue
			}
			props[key.property] = append(props[key.property], result{label: h.Result(), nameBased: h.NameBased()})
		}
	}

	for slug, desc := range schemas {
		for name, prop := range desc.Properties {
			fresh := combine(computed[slug][name])
			prop.ContentLabels = MergeLabels(prop.ContentLabels, fresh)
			if len(prop.ContentLabels) > 0 {
				d.logger.Debug("content labels merged",
					zap.String("schema", slug),
					zap.String("property", name),
					zap.Int("labels", len(prop.ContentLabels)))
			}
		}
	}
}

type result struct {
	label     schema.ContentLabel
	nameBased bool
}

// combine folds results for the same label id found under different value
// types. Value based results are summed; name based results are counted once.
func combine(results []result) []schema.ContentLabel {
	byLabel := make(map[string]*result)
	var order []string
	for _, r := range results {
		existing, ok := byLabel[r.label.Label]
		if !ok {
			r := r
			byLabel[r.label.Label] = &r
			order = append(order, r.label.Label)
			continue
		}
		if existing.nameBased && r.nameBased {
			if r.label.Occurrences > existing.label.Occurrences {
				existing.label.Occurrences = r.label.Occurrences
			}
		} else {
			existing.label.Occurrences += r.label.Occurrences
			existing.nameBased = false
		}
		existing.label.ValuesTested += r.label.ValuesTested
		existing.label.Hidden = existing.label.Hidden && r.label.Hidden
	}

	out := make([]schema.ContentLabel, 0, len(order))
	for _, l := range order {
		c := byLabel[l].label
		if c.Occurrences > 0 {
			c.Hidden = false
		}
		out = append(out, c)
	}
	return out
}

// MergeLabels merges freshly computed labels into prior labels:
//   - a fresh label with zero occurrences is dropped, and a prior label for
//     the same id is kept as it was
//   - a prior hidden label stays hidden
//   - prior labels no heuristic recomputed are kept
//
// Merging the result with the same fresh labels again yields the same set.
func MergeLabels(prior, fresh []schema.ContentLabel) []schema.ContentLabel {
	priorByLabel := make(map[string]schema.ContentLabel, len(prior))
	for _, p := range prior {
		priorByLabel[p.Label] = p
	}

	used := make(map[string]bool, len(fresh))
	out := make([]schema.ContentLabel, 0, len(prior)+len(fresh))
	for _, f := range fresh {
		p, had := priorByLabel[f.Label]
		if f.Occurrences == 0 {
			if had && !used[f.Label] {
				out = append(out, p)
				used[f.Label] = true
			}
			continue
		}
		if used[f.Label] {
			continue
		}
		if had && p.Hidden {
			f.Hidden = true
		}
		out = append(out, f)
		used[f.Label] = true
	}

	for _, p := range prior {
		if !used[p.Label] {
			out = append(out, p)
			used[p.Label] = true
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	if len(out) == 0 {
		return nil
	}
	return out
}
