package validate

import (
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablekit/tablekit/pkg/catalog"
)

func fixtureTable() *catalog.Table {
	def := "gen_random_uuid()"
	return &catalog.Table{
		Schema: "public",
		Name:   "events",
		Columns: []catalog.Column{
			{Name: "id", DataType: "uuid", Default: &def},
			{Name: "title", DataType: "text"},
			{Name: "code", DataType: "character varying", Length: 8},
			{Name: "seats", DataType: "integer", Nullable: true},
			{Name: "price", DataType: "numeric", Nullable: true},
			{Name: "public", DataType: "boolean", Nullable: true},
			{Name: "starts_at", DataType: "timestamp with time zone", Nullable: true},
			{Name: "ends_at", DataType: "timestamp with time zone", Nullable: true},
			{Name: "meta", DataType: "jsonb", Nullable: true},
		},
		PrimaryKeys: []string{"id"},
	}
}

func TestValidateCastsByColumnType(t *testing.T) {
	s := New(fixtureTable(), nil)

	id := uuid.NewString()
	out, errs := s.Validate(map[string]any{
		"id":        id,
		"title":     "launch",
		"code":      "ab",
		"seats":     "25",
		"price":     "9.5",
		"public":    "true",
		"starts_at": "2026-08-30T10:00:00Z",
		"meta":      map[string]any{"k": "v"},
	}, true)
	require.Nil(t, errs)

	assert.Equal(t, uuid.MustParse(id), out["id"])
	assert.Equal(t, int64(25), out["seats"])
	assert.Equal(t, 9.5, out["price"])
	assert.Equal(t, true, out["public"])
}

func TestValidateTypeErrors(t *testing.T) {
	s := New(fixtureTable(), nil)

	_, errs := s.Validate(map[string]any{
		"title":  "x",
		"seats":  "many",
		"public": "maybe",
		"id":     "not-a-uuid",
	}, false)
	require.NotNil(t, errs)
	assert.Equal(t, "must be an integer", errs["seats"])
	assert.Equal(t, "must be true or false", errs["public"])
	assert.Equal(t, "must be a uuid", errs["id"])
	assert.NotContains(t, errs, "title")
}

func TestValidateRequiredOnInsert(t *testing.T) {
	s := New(fixtureTable(), nil)

	// title is non-nullable with no default; id has a default.
	_, errs := s.Validate(map[string]any{"seats": 1}, true)
	require.NotNil(t, errs)
	assert.Equal(t, "is required", errs["title"])
	assert.NotContains(t, errs, "id")

	// Updates do not require absent columns.
	_, errs = s.Validate(map[string]any{"seats": 1}, false)
	assert.Nil(t, errs)
}

func TestValidateRequiredRuleSparesUpdates(t *testing.T) {
	s := New(fixtureTable(), map[string]Rule{"title": {Required: true}})

	// A partial update may omit the field entirely.
	out, errs := s.Validate(map[string]any{"seats": 5}, false)
	require.Nil(t, errs)
	assert.NotContains(t, out, "title")

	// But neither mode may blank it.
	_, errs = s.Validate(map[string]any{"title": ""}, false)
	require.NotNil(t, errs)
	assert.Equal(t, "is required", errs["title"])

	_, errs = s.Validate(map[string]any{"seats": 5}, true)
	require.NotNil(t, errs)
	assert.Equal(t, "is required", errs["title"])
}

func TestValidateDeclaredLength(t *testing.T) {
	s := New(fixtureTable(), nil)
	_, errs := s.Validate(map[string]any{"title": "x", "code": "overlong!"}, false)
	require.NotNil(t, errs)
	assert.Equal(t, "is too long", errs["code"])
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	s := New(fixtureTable(), nil)
	out, errs := s.Validate(map[string]any{"title": "x", "bogus": 1}, false)
	require.Nil(t, errs)
	assert.NotContains(t, out, "bogus")
}

func TestValidateFieldRules(t *testing.T) {
	min := 0.0
	s := New(fixtureTable(), map[string]Rule{
		"title": {MinLength: 3, MaxLength: 10},
		"code":  {Pattern: regexp.MustCompile(`^[a-z]+$`)},
		"seats": {Min: &min},
	})

	_, errs := s.Validate(map[string]any{
		"title": "ab",
		"code":  "ABC",
		"seats": -1,
	}, false)
	require.NotNil(t, errs)
	assert.Equal(t, "must be at least 3 characters", errs["title"])
	assert.Equal(t, "is invalid", errs["code"])
	assert.Equal(t, "must be at least 0", errs["seats"])
}

func TestValidateCrossFieldBounds(t *testing.T) {
	s := New(fixtureTable(), map[string]Rule{
		"price": {MinField: "seats"},
	})

	_, errs := s.Validate(map[string]any{"title": "x", "seats": 10, "price": 5}, false)
	require.NotNil(t, errs)
	assert.Equal(t, "must not be less than seats", errs["price"])

	_, errs = s.Validate(map[string]any{"title": "x", "seats": 3, "price": 5}, false)
	assert.Nil(t, errs)
}

func TestValidateCustomCheck(t *testing.T) {
	s := New(fixtureTable(), map[string]Rule{
		"title": {Check: func(value any, row map[string]any) string {
			if value == "forbidden" {
				return "is not allowed"
			}
			return ""
		}},
	})

	_, errs := s.Validate(map[string]any{"title": "forbidden"}, false)
	require.NotNil(t, errs)
	assert.Equal(t, "is not allowed", errs["title"])
}

func TestErrorsMerge(t *testing.T) {
	errs := Errors{}
	errs.Add("title", "is required")
	errs.Add("title", "overwritten?") // first message wins
	nested := Errors{"body": "is required"}
	errs.Merge("comments[1]", nested)

	assert.Equal(t, "is required", errs["title"])
	assert.Equal(t, "is required", errs["comments[1].body"])
	assert.Contains(t, errs.Error(), "comments[1].body is required")
}
