// Package finder implements the level-by-level descent that answers
// C-FIND queries: narrow a candidate set of resources at each level of the
// patient/study/series/instance hierarchy, then descend to the next level,
// until the target level is reached.
package finder

import (
	"context"
	"encoding/json"

	"github.com/dicomstore/dicomstore/blobstore"
	"github.com/dicomstore/dicomstore/dicom"
	"github.com/dicomstore/dicomstore/errors"
	"github.com/dicomstore/dicomstore/index"
)

const summaryContentType = "summary-json"

// Query describes one find request.
type Query struct {
	Level index.Level

	// Constraints are grouped by the level they apply to; a constraint at
	// a level above Level narrows the ancestor chain, one at Level itself
	// narrows the final result.
	Constraints []Constraint

	// MainTagPredicate, if set, is evaluated against every candidate's
	// main-tag map at every level visited during the descent - not just
	// the target level - mirroring a finder that keeps rejecting whole
	// branches of the tree as early as possible.
	MainTagPredicate func(level index.Level, tags map[string]string) bool

	// InstancePredicate, if set, is evaluated once per target-level
	// result against the DICOM-as-JSON summary of a representative leaf
	// instance (found by descending first-child repeatedly from the
	// candidate down to the instance level).
	InstancePredicate func(summary map[string]string) bool

	Limit int
}

// Result is what Find returns.
type Result struct {
	PublicIDs []string
	Truncated bool
}

// Finder answers Query values against an index.DB, reading the DICOM-as-JSON
// summary attachment from Blobs when a Query carries an InstancePredicate.
type Finder struct {
	DB    *index.DB
	Blobs *blobstore.Store
}

// Find executes q and returns the matching resources at q.Level.
func (f *Finder) Find(ctx context.Context, q Query) (Result, error) {
	constraintsByLevel := make(map[index.Level][]Constraint)
	for _, c := range q.Constraints {
		constraintsByLevel[c.Level] = append(constraintsByLevel[c.Level], c)
	}

	var candidates []index.Resource

	for level := index.LevelPatient; level <= q.Level; level++ {
		var resources []index.Resource
		var err error
		if level == index.LevelPatient {
			resources, err = f.allAtLevel(ctx, index.LevelPatient)
		} else {
			resources, err = f.childrenOf(ctx, candidates)
		}
		if err != nil {
			return Result{}, err
		}

		resources, err = f.applyConstraints(ctx, resources, constraintsByLevel[level])
		if err != nil {
			return Result{}, err
		}

		if q.MainTagPredicate != nil {
			resources, err = f.applyMainTagPredicate(ctx, resources, level, q.MainTagPredicate)
			if err != nil {
				return Result{}, err
			}
		}

		candidates = resources
		if len(candidates) == 0 {
			return Result{}, nil
		}
	}

	if q.InstancePredicate != nil {
		var filtered []index.Resource
		for _, c := range candidates {
			summary, err := f.representativeSummary(ctx, c)
			if err != nil {
				return Result{}, err
			}
			if summary != nil && q.InstancePredicate(summary) {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	truncated := false
	if q.Limit > 0 && len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
		truncated = true
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.PublicID
	}
	return Result{PublicIDs: ids, Truncated: truncated}, nil
}

// Identifier rebuilds a C-FIND response identifier dataset from the stored
// main tags of the resource addressed by publicID at level.
func (f *Finder) Identifier(ctx context.Context, publicID string, level index.Level) (*dicom.Dataset, error) {
	resource, err := f.DB.LookupResource(ctx, publicID, level)
	if err != nil {
		return nil, err
	}
	tags, err := f.DB.MainDicomTags(ctx, resource.InternalID)
	if err != nil {
		return nil, err
	}

	ds := dicom.NewDataset()
	for tagString, value := range tags {
		tag, err := dicom.ParseTag(tagString)
		if err != nil {
			continue
		}
		ds.AddElement(tag, "", value)
	}
	return ds, nil
}

// InstancesUnder returns the public ids of every instance at or below the
// resource addressed by publicID at level - the set a C-MOVE sub-operation
// loop needs to resolve a PATIENT/STUDY/SERIES/IMAGE-level move request down
// to concrete instances to send.
func (f *Finder) InstancesUnder(ctx context.Context, publicID string, level index.Level) ([]string, error) {
	resource, err := f.DB.LookupResource(ctx, publicID, level)
	if err != nil {
		return nil, err
	}
	resources := []index.Resource{*resource}
	for l := level; l < index.LevelInstance; l++ {
		resources, err = f.childrenOf(ctx, resources)
		if err != nil {
			return nil, err
		}
	}
	ids := make([]string, len(resources))
	for i, r := range resources {
		ids[i] = r.PublicID
	}
	return ids, nil
}

func (f *Finder) allAtLevel(ctx context.Context, level index.Level) ([]index.Resource, error) {
	return f.queryResources(ctx, `SELECT internalId, publicId, level, parentId, protected FROM Resources WHERE level = ?`, int(level))
}

func (f *Finder) childrenOf(ctx context.Context, parents []index.Resource) ([]index.Resource, error) {
	if len(parents) == 0 {
		return nil, nil
	}
	var all []index.Resource
	for _, parent := range parents {
		children, err := f.queryResources(ctx,
			`SELECT internalId, publicId, level, parentId, protected FROM Resources WHERE parentId = ?`, parent.InternalID)
		if err != nil {
			return nil, err
		}
		all = append(all, children...)
	}
	return all, nil
}

func (f *Finder) queryResources(ctx context.Context, query string, args ...any) ([]index.Resource, error) {
	rows, err := f.DB.QueryResourcesContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (f *Finder) applyConstraints(ctx context.Context, resources []index.Resource, constraints []Constraint) ([]index.Resource, error) {
	if len(constraints) == 0 {
		return resources, nil
	}
	var kept []index.Resource
	for _, r := range resources {
		tags, err := f.DB.MainDicomTags(ctx, r.InternalID)
		if err != nil {
			return nil, err
		}
		matchesAll := true
		for _, c := range constraints {
			value, ok := tags[c.Tag]
			if !ok || !c.matches(value) {
				matchesAll = false
				break
			}
		}
		if matchesAll {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func (f *Finder) applyMainTagPredicate(ctx context.Context, resources []index.Resource, level index.Level, predicate func(index.Level, map[string]string) bool) ([]index.Resource, error) {
	var kept []index.Resource
	for _, r := range resources {
		tags, err := f.DB.MainDicomTags(ctx, r.InternalID)
		if err != nil {
			return nil, err
		}
		if predicate(level, tags) {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// representativeSummary descends first-child repeatedly from candidate
// down to the instance level and returns that instance's DICOM-as-JSON
// summary attachment, parsed into a tag->value map.
func (f *Finder) representativeSummary(ctx context.Context, candidate index.Resource) (map[string]string, error) {
	current := candidate
	for current.Level != index.LevelInstance {
		children, err := f.queryResources(ctx,
			`SELECT internalId, publicId, level, parentId, protected FROM Resources WHERE parentId = ? LIMIT 1`, current.InternalID)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return nil, nil
		}
		current = children[0]
	}

	attachment, err := f.DB.AttachedFile(ctx, current.InternalID, summaryContentType)
	if err != nil {
		if errors.KindOf(err) == errors.KindInexistentItem {
			return nil, nil
		}
		return nil, err
	}

	raw, err := f.Blobs.Read(attachment.UUID, blobstore.NoneCompressor{})
	if err != nil {
		return nil, err
	}

	var summary map[string]string
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, errors.Wrap(errors.KindBadFileFormat, "finder.representativeSummary", "cannot decode summary attachment", err)
	}
	return summary, nil
}
