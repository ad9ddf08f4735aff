// Package storetest provides an in-memory Store for tests: a naive
// evaluator for the filter shapes the query translator emits ($and, $or,
// equality, $gte/$lte ranges and regex matches over dotted field paths).
package storetest

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lamyj/dopamine/internal/store"
)

// Fake is an in-memory store.Store.
type Fake struct {
	Docs []bson.D
	// QueryErr, when set, fails the next Query call.
	QueryErr error
}

var _ store.Store = (*Fake)(nil)

func (f *Fake) Insert(_ context.Context, doc bson.D) error {
	f.Docs = append(f.Docs, doc)
	return nil
}

func (f *Fake) Query(_ context.Context, filter bson.M, fields []string) ([]bson.D, error) {
	if f.QueryErr != nil {
		err := f.QueryErr
		f.QueryErr = nil
		return nil, err
	}
	var out []bson.D
	for _, doc := range f.Docs {
		if matches(doc, filter) {
			out = append(out, project(doc, fields))
		}
	}
	return out, nil
}

func (f *Fake) Count(_ context.Context, filter bson.M) (int64, error) {
	var n int64
	for _, doc := range f.Docs {
		if matches(doc, filter) {
			n++
		}
	}
	return n, nil
}

func (f *Fake) Distinct(_ context.Context, field string, filter bson.M) ([]string, error) {
	seen := map[string]struct{}{}
	for _, doc := range f.Docs {
		if !matches(doc, filter) {
			continue
		}
		for _, v := range resolve(doc, field) {
			if s, ok := v.(string); ok {
				seen[s] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) EnsureIndexes(context.Context) error { return nil }

func matches(doc bson.D, filter bson.M) bool {
	for key, expected := range filter {
		switch key {
		case "$and":
			for _, sub := range expected.(bson.A) {
				if !matches(doc, toM(sub)) {
					return false
				}
			}
		case "$or":
			any := false
			for _, sub := range expected.(bson.A) {
				if matches(doc, toM(sub)) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		default:
			if !fieldMatches(resolve(doc, key), expected) {
				return false
			}
		}
	}
	return true
}

func fieldMatches(actual []interface{}, expected interface{}) bool {
	switch want := expected.(type) {
	case primitive.Regex:
		pattern := want.Pattern
		if want.Options != "" {
			pattern = "(?" + want.Options + ")" + pattern
		}
		re := regexp.MustCompile(pattern)
		for _, v := range actual {
			if s, ok := v.(string); ok && re.MatchString(s) {
				return true
			}
		}
		return false
	case bson.M:
		for _, v := range actual {
			s, ok := v.(string)
			if !ok {
				continue
			}
			ok = true
			if lo, has := want["$gte"]; has && s < lo.(string) {
				ok = false
			}
			if hi, has := want["$lte"]; has && s > hi.(string) {
				ok = false
			}
			if ok {
				return true
			}
		}
		return false
	default:
		for _, v := range actual {
			if fmt.Sprint(v) == fmt.Sprint(expected) {
				return true
			}
		}
		return false
	}
}

// resolve walks a dotted path through nested documents, fanning out over
// array values.
func resolve(value interface{}, path string) []interface{} {
	current := []interface{}{value}
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		segment := path[start:i]
		start = i + 1
		var next []interface{}
		for _, v := range current {
			switch node := v.(type) {
			case bson.D:
				for _, e := range node {
					if e.Key == segment {
						next = append(next, flatten(e.Value)...)
					}
				}
			case bson.M:
				if sub, ok := node[segment]; ok {
					next = append(next, flatten(sub)...)
				}
			}
		}
		current = next
	}
	return current
}

func flatten(v interface{}) []interface{} {
	if arr, ok := v.(bson.A); ok {
		var out []interface{}
		for _, item := range arr {
			out = append(out, item)
		}
		return out
	}
	return []interface{}{v}
}

func project(doc bson.D, fields []string) bson.D {
	if len(fields) == 0 {
		return doc
	}
	keep := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		keep[f] = struct{}{}
	}
	out := bson.D{}
	for _, e := range doc {
		if _, ok := keep[e.Key]; ok {
			out = append(out, e)
		}
	}
	return out
}

func toM(v interface{}) bson.M {
	switch m := v.(type) {
	case bson.M:
		return m
	case bson.D:
		out := bson.M{}
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out
	}
	return bson.M{}
}
