// Package engine turns registered PostgreSQL tables into queryable,
// writable resources: it compiles untrusted request parameters into
// policy-scoped SQL, validates and casts payloads, and commits
// arbitrarily nested write graphs inside one transaction.
package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tablekit/tablekit/pkg/catalog"
	pg "github.com/tablekit/tablekit/pkg/pgx"
	"github.com/tablekit/tablekit/pkg/relation"
	"github.com/tablekit/tablekit/pkg/validate"
)

// Mode is a write-node operation.
type Mode string

const (
	ModeInsert Mode = "insert"
	ModeUpdate Mode = "update"
	ModeDelete Mode = "delete"
)

const (
	// DeleteSentinel marks a write-payload node for deletion.
	DeleteSentinel = "_delete"

	defaultComplexityLimit = 64
	defaultMaxBatch        = 500
)

// Policy renders the caller's row restriction as a SQL predicate,
// binding values through b. An empty fragment means unrestricted.
// Policy composition is non-optional: every generated statement —
// read, write precondition, count, ids, batch — passes through it.
type Policy[C any] func(ctx context.Context, c C, b *pg.Builder) (string, error)

// Hook runs inside the write transaction, before or after a node's
// statement. Hooks execute sequentially, never concurrently, so
// side effects observe each other in request order.
type Hook[C any] func(ctx context.Context, c C, tx pg.Conn, node *WriteNode) error

// Getter is a computed field. Exactly one of SQL and Resolve is set:
// SQL getters compile into the main statement as a correlated
// subquery or aggregate; Resolve getters run at request time and are
// exposed only as a link until explicitly included.
type Getter[C any] struct {
	SQL     string
	Resolve func(ctx context.Context, c C, conn pg.Conn, row map[string]any) (any, error)
}

// Definition configures one table resource. Immutable after Register.
type Definition[C any] struct {
	// Schema defaults to "public".
	Schema string
	Name   string

	// TenantColumn, when set, is a mandatory filter on every read and
	// a mandatory field on every write; Tenant extracts its value from
	// the caller context.
	TenantColumn string
	Tenant       func(c C) any

	// SoftDeleteColumn marks the table paranoid: deletes set this
	// timestamp column and reads exclude rows where it is non-null.
	SoftDeleteColumn string

	// Lookup marks a small reference table whose primary keys are
	// resolved once per transaction for FK validation instead of
	// probed per row.
	Lookup bool

	// Hidden columns are excluded from filters and relation keys.
	Hidden []string

	// RelationNames disambiguates foreign keys, keyed by FK column.
	RelationNames map[string]string

	// DefaultSort tokens (column or -column) applied when the request
	// has no usable sort. Falls back to the primary key.
	DefaultSort []string

	// DefaultParams is merged under request parameters before
	// compilation.
	DefaultParams func(ctx context.Context, c C) map[string]any

	Policy      Policy[C]
	BeforeWrite Hook[C]
	AfterWrite  Hook[C]

	// ModifyQuery may rewrite a compiled read statement (forcing an
	// index, adding a fixed predicate) just before execution.
	ModifyQuery func(ctx context.Context, c C, sql string) string

	// NewID generates primary keys for inserts when the column has no
	// database default. Defaults to random UUIDs.
	NewID func() any

	// Fields refines the validation rules derived from column types.
	Fields map[string]validate.Rule

	// Getters declares computed fields by name.
	Getters map[string]Getter[C]

	// Views names logical views this table participates in; carried on
	// every Change for downstream invalidation.
	Views []string

	// TextSearch compiles like/ilike filters to full-text search.
	TextSearch bool

	// Weight is the complexity cost per write node and per include of
	// this table (default 1). ComplexityLimit bounds the per-request
	// budget (default 64). MaxBatch caps WriteAll row counts
	// (default 500).
	Weight          int
	ComplexityLimit int
	MaxBatch        int
}

// Table is the per-table resolution engine produced by Register and
// armed by Link.
type Table[C any] struct {
	def      Definition[C]
	catalog  *catalog.Table
	schema   *validate.Schema
	registry *Registry[C]
}

// Def returns the table's definition.
func (t *Table[C]) Def() Definition[C] { return t.def }

// Catalog returns the introspected table metadata.
func (t *Table[C]) Catalog() *catalog.Table { return t.catalog }

// Relations returns the table's linked relations.
func (t *Table[C]) Relations() []relation.Relation {
	return t.registry.graph.Relations(t.key())
}

func (t *Table[C]) key() string {
	return t.def.Schema + "." + t.def.Name
}

func (t *Table[C]) pk() string {
	return t.catalog.PrimaryKey()
}

func (t *Table[C]) from() string {
	return pg.Ident(t.def.Schema, t.def.Name)
}

// Registry holds every registered table and their shared relation
// graph. Registration happens once at process start; Link arms the
// registry and freezes it.
type Registry[C any] struct {
	pool    *pgxpool.Pool
	logger  *zap.Logger
	baseURL string
	cache   string

	tables map[string]*Table[C]
	graph  *relation.Graph
	linked bool
}

// Option configures a Registry.
type Option[C any] func(*Registry[C])

// WithLogger replaces the default production logger.
func WithLogger[C any](logger *zap.Logger) Option[C] {
	return func(r *Registry[C]) { r.logger = logger }
}

// WithBaseURL sets the prefix for self links (default "/").
func WithBaseURL[C any](baseURL string) Option[C] {
	return func(r *Registry[C]) { r.baseURL = baseURL }
}

// WithSchemaCache loads table metadata from the given file instead of
// introspecting the database at Link time. Purely a startup-cost
// optimization; policy and validation never depend on its freshness.
func WithSchemaCache[C any](path string) Option[C] {
	return func(r *Registry[C]) { r.cache = path }
}

// NewRegistry creates an empty registry on the given pool.
func NewRegistry[C any](pool *pgxpool.Pool, opts ...Option[C]) *Registry[C] {
	r := &Registry[C]{
		pool:    pool,
		baseURL: "/",
		tables:  make(map[string]*Table[C]),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		r.logger = logger
	}
	return r
}

// Register adds a table definition. Registering the same table twice,
// or registering after Link, is a configuration error.
func (r *Registry[C]) Register(def Definition[C]) (*Table[C], error) {
	if r.linked {
		return nil, configErrorf("register %s: registry already linked", def.Name)
	}
	if def.Name == "" {
		return nil, configErrorf("register: table name required")
	}
	if def.Schema == "" {
		def.Schema = "public"
	}
	if def.Weight <= 0 {
		def.Weight = 1
	}
	if def.ComplexityLimit <= 0 {
		def.ComplexityLimit = defaultComplexityLimit
	}
	if def.MaxBatch <= 0 {
		def.MaxBatch = defaultMaxBatch
	}
	if def.NewID == nil {
		def.NewID = defaultNewID
	}
	if def.TenantColumn != "" && def.Tenant == nil {
		return nil, configErrorf("register %s.%s: tenant column %q needs a Tenant extractor", def.Schema, def.Name, def.TenantColumn)
	}

	key := def.Schema + "." + def.Name
	if _, exists := r.tables[key]; exists {
		return nil, configErrorf("register %s: already registered", key)
	}

	t := &Table[C]{def: def, registry: r}
	r.tables[key] = t
	return t, nil
}

// Pool returns the registry's connection pool, for callers that pass
// it back in as the read connection.
func (r *Registry[C]) Pool() *pgxpool.Pool { return r.pool }

// Table returns a registered table by schema-qualified or bare name
// (bare names resolve in public).
func (r *Registry[C]) Table(name string) (*Table[C], bool) {
	if t, ok := r.tables[name]; ok {
		return t, true
	}
	t, ok := r.tables["public."+name]
	return t, ok
}

// Tables returns the introspected metadata of every registered table,
// keyed schema.table, for the metadata cache and tooling.
func (r *Registry[C]) Tables() map[string]*catalog.Table {
	out := make(map[string]*catalog.Table, len(r.tables))
	for key, t := range r.tables {
		if t.catalog != nil {
			out[key] = t.catalog
		}
	}
	return out
}

// Link loads every table's catalog (from the schema cache when
// configured, otherwise from information_schema, retrying briefly
// while the database comes up), builds the relation graph, and
// validates the definitions against the loaded metadata. Linking
// twice is a configuration error.
func (r *Registry[C]) Link(ctx context.Context) error {
	if r.linked {
		return configErrorf("registry already linked")
	}

	cached, err := r.loadCache()
	if err != nil {
		return err
	}

	loaded := make(map[string]*catalog.Table, len(r.tables))
	for key, t := range r.tables {
		if cat, ok := cached[key]; ok {
			t.catalog = cat
			loaded[key] = cat
			continue
		}
		cat, err := r.introspect(ctx, t.def.Schema, t.def.Name)
		if err != nil {
			return configErrorf("load %s: %v", key, err)
		}
		t.catalog = cat
		loaded[key] = cat
	}

	opts := make(map[string]relation.Options, len(r.tables))
	for key, t := range r.tables {
		opts[key] = relation.Options{Names: t.def.RelationNames, Hidden: t.def.Hidden}
	}
	graph, err := relation.Link(loaded, opts)
	if err != nil {
		return configErrorf("link: %v", err)
	}
	r.graph = graph

	for key, t := range r.tables {
		if err := t.check(); err != nil {
			return err
		}
		t.schema = validate.New(t.catalog, t.def.Fields)
		r.logger.Debug("table linked",
			zap.String("table", key),
			zap.Int("columns", len(t.catalog.Columns)),
			zap.Int("relations", len(graph.Relations(key))))
	}

	r.linked = true
	r.logger.Info("registry linked", zap.Int("tables", len(r.tables)))
	return nil
}

func (r *Registry[C]) loadCache() (map[string]*catalog.Table, error) {
	if r.cache == "" {
		return nil, nil
	}
	cached, err := catalog.LoadCache(r.cache)
	if err != nil {
		r.logger.Warn("schema cache unavailable, falling back to introspection",
			zap.String("path", r.cache), zap.Error(err))
		return nil, nil
	}
	return cached, nil
}

func (r *Registry[C]) introspect(ctx context.Context, schema, name string) (*catalog.Table, error) {
	var cat *catalog.Table
	op := func() error {
		var err error
		cat, err = catalog.Load(ctx, r.pool, schema, name)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		r.logger.Warn("introspection retry",
			zap.String("table", schema+"."+name),
			zap.Duration("backoff", next),
			zap.Error(err))
	}); err != nil {
		return nil, err
	}
	return cat, nil
}

// check validates a definition against its loaded catalog and the
// relation graph.
func (t *Table[C]) check() error {
	key := t.key()
	if len(t.catalog.PrimaryKeys) == 0 {
		return configErrorf("table %s has no primary key", key)
	}
	if t.def.TenantColumn != "" && !t.catalog.HasColumn(t.def.TenantColumn) {
		return configErrorf("table %s: tenant column %q does not exist", key, t.def.TenantColumn)
	}
	if t.def.SoftDeleteColumn != "" {
		col, ok := t.catalog.Column(t.def.SoftDeleteColumn)
		if !ok {
			return configErrorf("table %s is paranoid but has no %q column", key, t.def.SoftDeleteColumn)
		}
		if !col.Nullable {
			return configErrorf("table %s: delete marker %q must be nullable", key, t.def.SoftDeleteColumn)
		}
	}
	for _, hidden := range t.def.Hidden {
		if !t.catalog.HasColumn(hidden) {
			return configErrorf("table %s: hidden column %q does not exist", key, hidden)
		}
	}
	for name, getter := range t.def.Getters {
		if (getter.SQL == "") == (getter.Resolve == nil) {
			return configErrorf("table %s: getter %q must set exactly one of SQL and Resolve", key, name)
		}
		if getter.SQL != "" {
			if err := checkExpression(getter.SQL); err != nil {
				return configErrorf("table %s: getter %q: %v", key, name, err)
			}
		}
		if t.catalog.HasColumn(name) {
			return configErrorf("table %s: getter %q shadows a column", key, name)
		}
	}
	return nil
}

func defaultNewID() any {
	return uuid.NewString()
}
