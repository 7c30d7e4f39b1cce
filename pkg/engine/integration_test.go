package engine_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tablekit/tablekit/internal/testutil/pgtest"
	"github.com/tablekit/tablekit/pkg/engine"
	pg "github.com/tablekit/tablekit/pkg/pgx"
)

// orgContext is the caller context for integration tests: policy and
// tenancy scope rows to the caller's org.
type orgContext struct {
	Org string
}

type fixture struct {
	registry *engine.Registry[orgContext]
	items    *engine.Table[orgContext]
	users    *engine.Table[orgContext]
	posts    *engine.Table[orgContext]
	comments *engine.Table[orgContext]
	schema   string
}

func setup(ctx context.Context, t *testing.T) *fixture {
	t.Helper()
	pool := pgtest.Pool(ctx, t)
	schema := pgtest.TempSchema(ctx, t, pool)

	_, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE %[1]s.items (
			id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			label text NOT NULL,
			"int" integer NOT NULL
		);
		CREATE TABLE %[1]s.users (
			id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			org text NOT NULL,
			username text NOT NULL,
			password text,
			deleted_at timestamptz,
			UNIQUE (org, username)
		);
		CREATE TABLE %[1]s.posts (
			id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			author_id uuid NOT NULL REFERENCES %[1]s.users(id),
			title text NOT NULL,
			deleted_at timestamptz
		);
		CREATE TABLE %[1]s.comments (
			id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			post_id uuid NOT NULL REFERENCES %[1]s.posts(id),
			body text NOT NULL,
			UNIQUE (post_id, body)
		);`, schema))
	require.NoError(t, err)

	r := engine.NewRegistry[orgContext](pool, engine.WithLogger[orgContext](zap.NewNop()))

	f := &fixture{registry: r, schema: schema}

	f.items, err = r.Register(engine.Definition[orgContext]{
		Schema: schema, Name: "items",
		DefaultSort: []string{"label"},
		MaxBatch:    3,
	})
	require.NoError(t, err)

	f.users, err = r.Register(engine.Definition[orgContext]{
		Schema: schema, Name: "users",
		TenantColumn:     "org",
		Tenant:           func(c orgContext) any { return c.Org },
		SoftDeleteColumn: "deleted_at",
		Hidden:           []string{"password"},
	})
	require.NoError(t, err)

	f.posts, err = r.Register(engine.Definition[orgContext]{
		Schema: schema, Name: "posts",
		SoftDeleteColumn: "deleted_at",
		Policy: func(ctx context.Context, c orgContext, b *pg.Builder) (string, error) {
			return fmt.Sprintf(`author_id IN (SELECT id FROM %s.users WHERE org = %s)`,
				pg.Ident(schema), b.Bind(c.Org)), nil
		},
	})
	require.NoError(t, err)

	f.comments, err = r.Register(engine.Definition[orgContext]{
		Schema: schema, Name: "comments",
	})
	require.NoError(t, err)

	require.NoError(t, r.Link(ctx))
	return f
}

func (f *fixture) pool() pg.Conn {
	return f.registry.Pool()
}

func TestFilterScenario(t *testing.T) {
	ctx := context.Background()
	f := setup(ctx, t)
	a := orgContext{Org: "a"}

	for _, row := range []struct {
		label string
		n     int
	}{{"a", 0}, {"b", 1}, {"c", 2}} {
		_, err := f.items.Write(ctx, map[string]any{"label": row.label, "int": row.n}, a)
		require.NoError(t, err)
	}

	col, err := f.items.ReadMany(ctx, f.pool(), map[string]any{
		"and": []any{
			map[string]any{"int.gt": 0},
			map[string]any{"int.lt": 2},
		},
	}, a)
	require.NoError(t, err)
	require.Len(t, col.Items, 1)
	assert.Equal(t, "b", col.Items[0].Row["label"])
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := setup(ctx, t)
	a := orgContext{Org: "a"}

	res, err := f.users.Write(ctx, map[string]any{"username": "abc"}, a)
	require.NoError(t, err)
	require.NotEmpty(t, res.ChangeID)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, engine.ModeInsert, res.Changes[0].Mode)

	written := res.Result.(*engine.Resource)
	assert.Equal(t, "a", written.Row["org"])

	read, err := f.users.ReadOne(ctx, f.pool(), written.Row["id"], nil, a)
	require.NoError(t, err)
	assert.Equal(t, written.Row["username"], read.Row["username"])
	assert.Equal(t, written.Row["id"], read.Row["id"])
}

func TestCompoundUniqueScoped(t *testing.T) {
	ctx := context.Background()
	f := setup(ctx, t)

	_, err := f.users.Write(ctx, map[string]any{"username": "abc"}, orgContext{Org: "a"})
	require.NoError(t, err)

	_, err = f.users.Write(ctx, map[string]any{"username": "abc"}, orgContext{Org: "a"})
	require.Error(t, err)
	var br *engine.BadRequest
	require.ErrorAs(t, err, &br)
	assert.Equal(t, "is already in use", br.Fields["username"])

	// Same username in another org is fine.
	_, err = f.users.Write(ctx, map[string]any{"username": "abc"}, orgContext{Org: "b"})
	require.NoError(t, err)
}

func TestPartialUpdateCompoundUnique(t *testing.T) {
	ctx := context.Background()
	f := setup(ctx, t)
	a := orgContext{Org: "a"}

	res, err := f.users.Write(ctx, map[string]any{"username": "author"}, a)
	require.NoError(t, err)
	authorID := res.Result.(*engine.Resource).Row["id"]

	res, err = f.posts.Write(ctx, map[string]any{
		"author_id": authorID,
		"title":     "parent",
		"comments": []any{
			map[string]any{"body": "one"},
			map[string]any{"body": "two"},
		},
	}, a)
	require.NoError(t, err)

	var commentID any
	for _, ch := range res.Changes {
		if ch.Mode == engine.ModeInsert && ch.Row["body"] == "one" {
			commentID = ch.Row["id"]
		}
	}
	require.NotNil(t, commentID)

	// The delta names only half of the (post_id, body) set; the stored
	// row fills in the rest, so the conflict surfaces as a field error
	// instead of a driver constraint violation.
	_, err = f.comments.Write(ctx, map[string]any{"id": commentID, "body": "two"}, a)
	var br *engine.BadRequest
	require.ErrorAs(t, err, &br)
	assert.Equal(t, "is already in use", br.Fields["body"])
}

func TestWriteConcealsHiddenColumns(t *testing.T) {
	ctx := context.Background()
	f := setup(ctx, t)
	a := orgContext{Org: "a"}

	res, err := f.users.Write(ctx, map[string]any{"username": "abc", "password": "s3cret"}, a)
	require.NoError(t, err)

	row := res.Result.(*engine.Resource).Row
	assert.NotContains(t, row, "password")
	require.Len(t, res.Changes, 1)
	assert.NotContains(t, res.Changes[0].Row, "password")

	// Reads never exposed the column; writes must match.
	read, err := f.users.ReadOne(ctx, f.pool(), row["id"], nil, a)
	require.NoError(t, err)
	assert.NotContains(t, read.Row, "password")

	res, err = f.users.Write(ctx, map[string]any{"id": row["id"], "_delete": true}, a)
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	assert.NotContains(t, res.Changes[0].Row, "password")
}

func TestNestedWriteAtomicity(t *testing.T) {
	ctx := context.Background()
	f := setup(ctx, t)
	a := orgContext{Org: "a"}

	res, err := f.users.Write(ctx, map[string]any{"username": "author"}, a)
	require.NoError(t, err)
	authorID := res.Result.(*engine.Resource).Row["id"]

	// The second post is invalid; neither may survive.
	_, err = f.posts.Write(ctx, map[string]any{
		"author_id": authorID,
		"title":     "ok",
		"comments": []any{
			map[string]any{"body": "fine"},
			map[string]any{"body": nil},
		},
	}, a)
	require.Error(t, err)
	var br *engine.BadRequest
	require.ErrorAs(t, err, &br)
	assert.Contains(t, br.Fields, "comments[1].body")

	count, err := f.posts.Count(ctx, f.pool(), nil, a)
	require.NoError(t, err)
	assert.Zero(t, count)

	// The valid variant commits the whole graph.
	ok, err := f.posts.Write(ctx, map[string]any{
		"author_id": authorID,
		"title":     "ok",
		"comments": []any{
			map[string]any{"body": "one"},
			map[string]any{"body": "two"},
		},
	}, a)
	require.NoError(t, err)
	assert.Len(t, ok.Changes, 3)
}

func TestParanoidCascade(t *testing.T) {
	ctx := context.Background()
	f := setup(ctx, t)
	a := orgContext{Org: "a"}

	res, err := f.users.Write(ctx, map[string]any{"username": "author"}, a)
	require.NoError(t, err)
	authorID := res.Result.(*engine.Resource).Row["id"]

	res, err = f.posts.Write(ctx, map[string]any{
		"author_id": authorID,
		"title":     "parent",
		"comments": []any{
			map[string]any{"body": "one"},
			map[string]any{"body": "two"},
		},
	}, a)
	require.NoError(t, err)
	postID := res.Result.(*engine.Resource).Row["id"]

	res, err = f.posts.Write(ctx, map[string]any{"id": postID, "_delete": true}, a)
	require.NoError(t, err)
	// Parent plus two cascaded children.
	assert.Len(t, res.Changes, 3)
	for _, ch := range res.Changes {
		assert.Equal(t, engine.ModeDelete, ch.Mode)
	}

	// Paranoid post is soft-deleted and hidden; hard-deleted comments
	// are gone.
	col, err := f.posts.ReadMany(ctx, f.pool(), nil, a)
	require.NoError(t, err)
	assert.Empty(t, col.Items)

	count, err := f.comments.Count(ctx, f.pool(), nil, a)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Opting in shows the soft-deleted row.
	col, err = f.posts.ReadMany(ctx, f.pool(), map[string]any{"withDeleted": true}, a)
	require.NoError(t, err)
	assert.Len(t, col.Items, 1)
}

func TestPolicyInvariant(t *testing.T) {
	ctx := context.Background()
	f := setup(ctx, t)

	res, err := f.users.Write(ctx, map[string]any{"username": "author"}, orgContext{Org: "a"})
	require.NoError(t, err)
	authorID := res.Result.(*engine.Resource).Row["id"]

	res, err = f.posts.Write(ctx, map[string]any{"author_id": authorID, "title": "secret"}, orgContext{Org: "a"})
	require.NoError(t, err)
	postID := res.Result.(*engine.Resource).Row["id"]

	// Another org can neither read nor mutate the row.
	_, err = f.posts.ReadOne(ctx, f.pool(), postID, nil, orgContext{Org: "b"})
	assert.ErrorIs(t, err, engine.ErrNotFound)

	col, err := f.posts.ReadMany(ctx, f.pool(), nil, orgContext{Org: "b"})
	require.NoError(t, err)
	assert.Empty(t, col.Items)

	_, err = f.posts.Write(ctx, map[string]any{"id": postID, "title": "stolen"}, orgContext{Org: "b"})
	var ua *engine.Unauthorized
	require.ErrorAs(t, err, &ua)

	// Writing a post whose author is outside the caller's org fails
	// the post-write policy check and rolls back.
	_, err = f.posts.Write(ctx, map[string]any{"author_id": authorID, "title": "smuggled"}, orgContext{Org: "b"})
	require.Error(t, err)

	count, err := f.posts.Count(ctx, f.pool(), nil, orgContext{Org: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestBatchUpdateIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setup(ctx, t)
	a := orgContext{Org: "a"}

	for i := 0; i < 3; i++ {
		_, err := f.items.Write(ctx, map[string]any{"label": "x", "int": i}, a)
		require.NoError(t, err)
	}
	_, err := f.items.Write(ctx, map[string]any{"label": "keep", "int": 99}, a)
	require.NoError(t, err)

	filter := map[string]any{"label": "x"}
	delta := map[string]any{"int": 7}

	res, err := f.items.WriteAll(ctx, filter, delta, a)
	require.NoError(t, err)
	assert.Len(t, res.Changes, 3)

	// Re-issuing the same batch is a no-op with respect to final
	// values: same rows, same state.
	res, err = f.items.WriteAll(ctx, filter, delta, a)
	require.NoError(t, err)
	assert.Len(t, res.Changes, 3)

	col, err := f.items.ReadMany(ctx, f.pool(), filter, a)
	require.NoError(t, err)
	require.Len(t, col.Items, 3)
	for _, item := range col.Items {
		assert.EqualValues(t, 7, item.Row["int"])
	}

	keep, err := f.items.ReadMany(ctx, f.pool(), map[string]any{"label": "keep"}, a)
	require.NoError(t, err)
	require.Len(t, keep.Items, 1)
	assert.EqualValues(t, 99, keep.Items[0].Row["int"])
}

func TestBatchDeleteAndCap(t *testing.T) {
	ctx := context.Background()
	f := setup(ctx, t)
	a := orgContext{Org: "a"}

	for i := 0; i < 4; i++ {
		_, err := f.items.Write(ctx, map[string]any{"label": "x", "int": i}, a)
		require.NoError(t, err)
	}

	// Exceeding the batch cap aborts before mutating anything.
	_, err := f.items.WriteAll(ctx, map[string]any{"label": "x"}, map[string]any{"_delete": true}, a)
	require.Error(t, err)
	assert.True(t, engine.IsComplexityLimit(err))

	count, err := f.items.Count(ctx, f.pool(), nil, a)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	res, err := f.items.WriteAll(ctx, map[string]any{"int.lt": 2}, map[string]any{"_delete": true}, a)
	require.NoError(t, err)
	assert.Len(t, res.Changes, 2)

	count, err = f.items.Count(ctx, f.pool(), nil, a)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestPaginationVisitsEveryRowOnce(t *testing.T) {
	ctx := context.Background()
	f := setup(ctx, t)
	a := orgContext{Org: "a"}

	labels := []string{"b", "d", "f", "h", "j"}
	for i, label := range labels {
		_, err := f.items.Write(ctx, map[string]any{"label": label, "int": i}, a)
		require.NoError(t, err)
	}

	seen := map[string]int{}
	params := map[string]any{"sort": "label", "limit": 2}
	inserted := false
	for {
		col, err := f.items.ReadMany(ctx, f.pool(), params, a)
		require.NoError(t, err)
		for _, item := range col.Items {
			seen[item.Row["label"].(string)]++
		}
		if !col.HasMore {
			break
		}
		// An insert below the cursor boundary must not disturb the
		// iteration over pre-existing rows.
		if !inserted {
			_, err := f.items.Write(ctx, map[string]any{"label": "a", "int": 100}, a)
			require.NoError(t, err)
			inserted = true
		}
		params = map[string]any{"cursor": col.NextCursor, "limit": 2}
	}

	for _, label := range labels {
		assert.Equal(t, 1, seen[label], "label %s", label)
	}
	assert.Equal(t, 0, seen["a"], "row inserted below the boundary must not appear")
}

func TestRelationFilterAndInclude(t *testing.T) {
	ctx := context.Background()
	f := setup(ctx, t)
	a := orgContext{Org: "a"}

	res, err := f.users.Write(ctx, map[string]any{"username": "ann"}, a)
	require.NoError(t, err)
	annID := res.Result.(*engine.Resource).Row["id"]
	res, err = f.users.Write(ctx, map[string]any{"username": "bob"}, a)
	require.NoError(t, err)
	bobID := res.Result.(*engine.Resource).Row["id"]

	_, err = f.posts.Write(ctx, map[string]any{"author_id": annID, "title": "ann post"}, a)
	require.NoError(t, err)
	_, err = f.posts.Write(ctx, map[string]any{"author_id": bobID, "title": "bob post"}, a)
	require.NoError(t, err)

	// Filter posts through the related user's attributes.
	col, err := f.posts.ReadMany(ctx, f.pool(), map[string]any{
		"user": map[string]any{"username": "ann"},
	}, a)
	require.NoError(t, err)
	require.Len(t, col.Items, 1)
	assert.Equal(t, "ann post", col.Items[0].Row["title"])

	// Eager include attaches the related row instead of a link.
	col, err = f.posts.ReadMany(ctx, f.pool(), map[string]any{"include": "user"}, a)
	require.NoError(t, err)
	require.Len(t, col.Items, 2)
	for _, item := range col.Items {
		user, ok := item.Row["user"].(map[string]any)
		require.True(t, ok)
		assert.NotEmpty(t, user["username"])
		assert.NotContains(t, item.Links, "user")
	}
}
