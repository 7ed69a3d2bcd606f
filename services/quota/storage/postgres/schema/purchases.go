package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Purchase is a completed checkout. The id is the checkout session id, so a
// redelivered confirmation cannot credit twice.
type Purchase struct {
	ent.Schema
}

func (Purchase) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").NotEmpty().Immutable(),
		field.String("user_id").NotEmpty().Immutable(),
		field.Float("minutes").Positive().Immutable(),
		field.Time("created_at").Immutable(),
	}
}

func (Purchase) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("user", User.Type).
			Ref("purchases").
			Field("user_id").
			Unique().
			Required(),
	}
}

func (Purchase) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("user_id"),
	}
}

func (Purchase) Annotations() []schema.Annotation {
	return []schema.Annotation{entsql.Annotation{Table: "purchases"}}
}
