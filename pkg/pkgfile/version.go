package pkgfile

import (
	"github.com/Masterminds/semver"

	"github.com/big-armor/datapm-sub007/pkg/schema"
)

// Change classifies the difference between two sets of schemas
type Change int

const (
	// NoChange means the same schemas, properties and value types
	NoChange Change = iota
	// Additive means new schemas, properties or value types only
	Additive
	// Breaking means a schema, property or value type disappeared
	Breaking
)

func (c Change) String() string {
	switch c {
	case Additive:
		return "additive"
	case Breaking:
		return "breaking"
	default:
		return "none"
	}
}

// Compare classifies how next differs from prior
func Compare(prior, next map[string]*schema.SchemaDescriptor) Change {
	change := NoChange
	for slug, p := range prior {
		n, ok := next[slug]
		if !ok {
			return Breaking
		}
		for name, pp := range p.Properties {
			np, ok := n.Properties[name]
			if !ok {
				return Breaking
			}
			for vt := range pp.Types {
				if _, ok := np.Types[vt]; !ok {
					return Breaking
				}
			}
			if len(np.Types) > len(pp.Types) {
				change = Additive
			}
		}
		if len(n.Properties) > len(p.Properties) {
			change = Additive
		}
	}
	if len(next) > len(prior) {
		change = Additive
	}
	return change
}

// NextVersion returns the version following current for a change: a
// breaking change bumps the major version, an additive one the minor
// version and anything else the patch version.
func NextVersion(current string, change Change) (string, error) {
	v, err := semver.NewVersion(current)
	if err != nil {
		return "", err
	}
	var next semver.Version
	switch change {
	case Breaking:
		next = v.IncMajor()
	case Additive:
		next = v.IncMinor()
	default:
		next = v.IncPatch()
	}
	return next.String(), nil
}
