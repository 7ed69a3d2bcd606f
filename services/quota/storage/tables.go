package storage

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"entgo.io/ent"
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/entsql"
	sqlschema "entgo.io/ent/dialect/sql/schema"

	pgschema "github.com/echowrite/relay/services/quota/storage/postgres/schema"
)

const (
	tableUsers     = "users"
	tableSessions  = "sessions"
	tablePurchases = "purchases"

	colID               = "id"
	colUserID           = "user_id"
	colUsedMinutes      = "used_minutes"
	colPurchasedMinutes = "purchased_minutes"
	colMinutes          = "minutes"
	colCreatedAt        = "created_at"
	colEndedAt          = "ended_at"
)

// entSchemas backs the Postgres store, referenced schemas first.
var entSchemas = []ent.Interface{
	pgschema.User{},
	pgschema.Session{},
	pgschema.Purchase{},
}

// Tables derives the Postgres tables from the ent schemas. Inverse edges
// bound to a field become foreign keys.
func Tables() ([]*sqlschema.Table, error) {
	byType := make(map[string]*sqlschema.Table, len(entSchemas))
	tables := make([]*sqlschema.Table, 0, len(entSchemas))
	for _, s := range entSchemas {
		t, err := table(s)
		if err != nil {
			return nil, err
		}
		byType[reflect.TypeOf(s).Name()] = t
		tables = append(tables, t)
	}

	for _, s := range entSchemas {
		t := byType[reflect.TypeOf(s).Name()]
		for _, e := range s.Edges() {
			d := e.Descriptor()
			if !d.Inverse || d.Field == "" {
				continue
			}
			ref, ok := byType[d.Type]
			if !ok {
				return nil, fmt.Errorf("edge %s.%s references unknown schema %s", t.Name, d.Name, d.Type)
			}
			col, ok := t.Column(d.Field)
			if !ok {
				return nil, fmt.Errorf("edge %s.%s is bound to missing field %s", t.Name, d.Name, d.Field)
			}
			t.AddForeignKey(&sqlschema.ForeignKey{
				Symbol:     t.Name + "_" + d.Field + "_fkey",
				Columns:    []*sqlschema.Column{col},
				RefTable:   ref,
				RefColumns: ref.PrimaryKey,
				OnDelete:   sqlschema.NoAction,
			})
		}
	}
	return tables, nil
}

func table(s ent.Interface) (*sqlschema.Table, error) {
	name := tableName(s)
	t := sqlschema.NewTable(name)

	for _, f := range s.Fields() {
		d := f.Descriptor()
		if d.Err != nil {
			return nil, fmt.Errorf("invalid field %s.%s: %w", name, d.Name, d.Err)
		}
		col := &sqlschema.Column{
			Name:     d.Name,
			Type:     d.Info.Type,
			Unique:   d.Unique,
			Nullable: d.Optional,
		}
		// Function defaults like time.Now are applied by the store.
		switch v := d.Default.(type) {
		case bool, int, float64, string:
			col.Default = v
		}
		if d.Name == colID {
			t.AddPrimary(col)
			continue
		}
		t.AddColumn(col)
	}
	if len(t.PrimaryKey) == 0 {
		return nil, fmt.Errorf("schema %s has no id field", name)
	}

	for _, idx := range s.Indexes() {
		d := idx.Descriptor()
		t.AddIndex(name+"_"+strings.Join(d.Fields, "_"), d.Unique, d.Fields)
	}
	return t, nil
}

func tableName(s ent.Interface) string {
	for _, a := range s.Annotations() {
		if ann, ok := a.(entsql.Annotation); ok && ann.Table != "" {
			return ann.Table
		}
	}
	return strings.ToLower(reflect.TypeOf(s).Name()) + "s"
}

// migrate creates missing tables, columns and indexes. It never drops.
func migrate(ctx context.Context, drv dialect.Driver) error {
	tables, err := Tables()
	if err != nil {
		return err
	}
	m, err := sqlschema.NewMigrate(drv)
	if err != nil {
		return fmt.Errorf("failed to prepare migration: %w", err)
	}
	if err := m.Create(ctx, tables...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
