package ecs

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"pkg.world.dev/epix/pkg/epix/access"
	"pkg.world.dev/epix/pkg/epix/filter"
)

// SearchParam contains parameters for an ad-hoc, read-only search over entity data.
// Match is an archetype filter expression, e.g. `CONTAINS(Position) & !CONTAINS(Frozen)`; an empty
// Match matches every entity. Where is an optional expr language predicate evaluated against each
// matching entity, see https://expr-lang.org/docs/getting-started.
type SearchParam struct {
	Match string // Archetype filter expression
	Where string // Optional expr language predicate
	Limit int    // Maximum number of results, 0 means unlimited
}

// compile returns the filtered access of the search and the program compiled from the where clause.
func (s *SearchParam) compile(w *World) (access.FilteredAccess, *vm.Program, error) {
	fa := access.NewFiltered()
	fa.Access().ReadAllComponents()

	if s.Match != "" {
		parsed, err := filter.Parse(s.Match, w.registry)
		if err != nil {
			return fa, nil, eris.Wrap(err, "invalid match expression")
		}
		fa.AndClauses(parsed.Clauses())
	}

	if s.Where == "" {
		return fa, nil, nil
	}
	program, err := expr.Compile(s.Where, expr.AsBool())
	if err != nil {
		return fa, nil, eris.Wrap(err, "failed to parse where clause")
	}
	return fa, program, nil
}

// SearchAccess returns the access a search with params needs, so it can be scheduled alongside
// systems.
func (w *World) SearchAccess(params SearchParam) (access.FilteredAccess, error) {
	fa, _, err := params.compile(w)
	return fa, err
}

// Search returns every entity matching params as a map from component name to component data. The
// entity itself is stored under the "_id" key.
func (w *World) Search(params SearchParam) ([]map[string]any, error) {
	fa, program, err := params.compile(w)
	if err != nil {
		return nil, eris.Wrap(err, "invalid search params")
	}

	state := NewQueryState(w, fa)
	results := make([]map[string]any, 0)
	for _, id := range state.MatchedArchetypes() {
		arch := w.archetypes.list[id]
		tbl := w.tables.list[arch.table]

		for _, rec := range arch.records {
			entityMap, err := w.entityToMap(rec.entity, rec.tableRow, arch, tbl)
			if err != nil {
				return nil, err
			}

			if program != nil {
				// The entity map is the environment of the program so the where clause can refer to
				// component data.
				output, err := expr.Run(program, entityMap)
				if err != nil {
					return nil, eris.Wrap(err, "failed to run where clause")
				}
				// The where clause is compiled without an environment, so a non-bool result can only
				// be detected here, e.g. when it selects a component field.
				matches, ok := output.(bool)
				if !ok {
					return nil, eris.New("where clause must evaluate to a bool")
				}
				if !matches {
					continue
				}
			}

			results = append(results, entityMap)
			if params.Limit > 0 && len(results) >= params.Limit {
				return results, nil
			}
		}
	}
	return results, nil
}

// entityToMap converts an entity's components to generic maps via their JSON encoding.
func (w *World) entityToMap(e Entity, tableRow int, arch *archetype, tbl *table) (map[string]any, error) {
	data := make(map[string]any, len(arch.ids)+1)
	data["_id"] = uint64(e)

	for _, id := range arch.ids {
		info := w.registry.Info(id)

		var (
			value any
			err   error
		)
		if info.Storage == StorageSparse {
			value, err = w.sparse[id].get(e)
		} else {
			value, err = tbl.column(id).getAbstract(tableRow)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read component %s of entity %s", info.Name, e)
		}

		raw, err := json.Marshal(value)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to encode component %s", info.Name)
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, eris.Wrapf(err, "component %s must encode to a JSON object", info.Name)
		}
		data[info.Name] = fields
	}
	return data, nil
}
