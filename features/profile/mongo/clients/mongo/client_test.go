package mongo

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/atelier-ai/atelier/runtime/profile"
)

func newFakeClient() (*client, *fakeProfilesCollection, *fakeAssignmentsCollection) {
	profiles := &fakeProfilesCollection{docs: map[string]profileDocument{}}
	assignments := &fakeAssignmentsCollection{}
	c := &client{
		profiles:    profiles,
		assignments: assignments,
		timeout:     time.Second,
	}
	return c, profiles, assignments
}

func writerProfile(id string) profile.Profile {
	return profile.Profile{
		ID:          id,
		Name:        "Writer",
		Kind:        profile.KindAnthropic,
		Credential:  "sk-test",
		Model:       "claude-3-5-sonnet-20241022",
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

func TestCreateAndGetProfile(t *testing.T) {
	t.Parallel()

	c, _, _ := newFakeClient()
	ctx := context.Background()

	created, err := c.CreateProfile(ctx, writerProfile(""))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	got, err := c.GetProfile(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = c.CreateProfile(ctx, writerProfile(created.ID))
	require.ErrorContains(t, err, "already exists")
}

func TestCreateProfileValidates(t *testing.T) {
	t.Parallel()

	c, _, _ := newFakeClient()

	p := writerProfile("")
	p.Kind = profile.Kind("carrier-pigeon")
	_, err := c.CreateProfile(context.Background(), p)
	require.ErrorContains(t, err, "unknown provider kind")
}

func TestGetProfileMissing(t *testing.T) {
	t.Parallel()

	c, _, _ := newFakeClient()

	_, err := c.GetProfile(context.Background(), "ghost")
	require.ErrorIs(t, err, profile.ErrNotFound)
}

func TestUpdateProfilePreservesCreatedAt(t *testing.T) {
	t.Parallel()

	c, _, _ := newFakeClient()
	ctx := context.Background()

	created, err := c.CreateProfile(ctx, writerProfile(""))
	require.NoError(t, err)

	changed := created
	changed.Name = "Writer v2"
	changed.Model = "claude-3-7-sonnet"
	updated, err := c.UpdateProfile(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, "Writer v2", updated.Name)
	assert.Equal(t, "claude-3-7-sonnet", updated.Model)

	missing := writerProfile("ghost")
	_, err = c.UpdateProfile(ctx, missing)
	require.ErrorIs(t, err, profile.ErrNotFound)
}

func TestDeleteProfileClearsAssignments(t *testing.T) {
	t.Parallel()

	c, _, _ := newFakeClient()
	ctx := context.Background()

	created, err := c.CreateProfile(ctx, writerProfile(""))
	require.NoError(t, err)
	require.NoError(t, c.Assign(ctx, profile.RoleWriter, created.ID))

	require.NoError(t, c.DeleteProfile(ctx, created.ID))

	assignments, err := c.Assignments(ctx)
	require.NoError(t, err)
	assert.Empty(t, assignments)

	require.ErrorIs(t, c.DeleteProfile(ctx, created.ID), profile.ErrNotFound)
}

func TestAssignAndAssignments(t *testing.T) {
	t.Parallel()

	c, _, _ := newFakeClient()
	ctx := context.Background()

	created, err := c.CreateProfile(ctx, writerProfile(""))
	require.NoError(t, err)

	require.NoError(t, c.Assign(ctx, profile.RoleWriter, created.ID))
	require.NoError(t, c.Assign(ctx, profile.RoleEditor, created.ID))

	assignments, err := c.Assignments(ctx)
	require.NoError(t, err)
	assert.Equal(t, profile.Assignments{
		profile.RoleWriter: created.ID,
		profile.RoleEditor: created.ID,
	}, assignments)

	require.ErrorContains(t, c.Assign(ctx, profile.Role("stenographer"), created.ID), "unknown role")
	require.ErrorIs(t, c.Assign(ctx, profile.RoleReviewer, "ghost"), profile.ErrNotFound)

	require.NoError(t, c.Assign(ctx, profile.RoleEditor, ""))
	assignments, err = c.Assignments(ctx)
	require.NoError(t, err)
	assert.Equal(t, profile.Assignments{profile.RoleWriter: created.ID}, assignments)
}

func TestAssignmentsEmptyWithoutDocument(t *testing.T) {
	t.Parallel()

	c, _, _ := newFakeClient()

	assignments, err := c.Assignments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, assignments)
}

func TestSeedIsIdempotent(t *testing.T) {
	t.Parallel()

	c, profiles, _ := newFakeClient()
	ctx := context.Background()

	writer := writerProfile("writer-1")
	reviewer := writerProfile("reviewer-1")
	reviewer.Kind = profile.KindDeepSeek
	reviewer.Model = "deepseek-chat"

	err := c.Seed(ctx, []profile.Profile{writer, reviewer}, profile.Assignments{
		profile.RoleWriter:   "writer-1",
		profile.RoleReviewer: "reviewer-1",
	})
	require.NoError(t, err)

	first, err := c.GetProfile(ctx, "writer-1")
	require.NoError(t, err)
	require.False(t, first.CreatedAt.IsZero())

	writer.Model = "claude-3-7-sonnet"
	err = c.Seed(ctx, []profile.Profile{writer}, profile.Assignments{
		profile.RoleWriter: "writer-1",
	})
	require.NoError(t, err)

	second, err := c.GetProfile(ctx, "writer-1")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, "claude-3-7-sonnet", second.Model)

	// The table is replaced wholesale, not merged.
	assignments, err := c.Assignments(ctx)
	require.NoError(t, err)
	assert.Equal(t, profile.Assignments{profile.RoleWriter: "writer-1"}, assignments)

	assert.Len(t, profiles.docs, 2)
}

func TestSeedRejectsUnknownAssignment(t *testing.T) {
	t.Parallel()

	c, _, _ := newFakeClient()

	err := c.Seed(context.Background(), nil, profile.Assignments{
		profile.RoleWriter: "ghost",
	})
	require.ErrorContains(t, err, "references unknown profile")
}

func TestListProfilesSorted(t *testing.T) {
	t.Parallel()

	c, _, _ := newFakeClient()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		p, err := c.CreateProfile(ctx, writerProfile(""))
		require.NoError(t, err)
		ids = append(ids, p.ID)
		time.Sleep(time.Millisecond)
	}

	listed, err := c.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, p := range listed {
		assert.Equal(t, ids[i], p.ID)
	}
}

// --- fakes ---

func foldUpdateOne(opts []options.Lister[options.UpdateOneOptions]) options.UpdateOneOptions {
	var out options.UpdateOneOptions
	for _, l := range opts {
		if l == nil {
			continue
		}
		for _, set := range l.List() {
			_ = set(&out)
		}
	}
	return out
}

func filterProfileID(filter any) string {
	f, ok := filter.(bson.M)
	if !ok {
		return ""
	}
	id, _ := f["profile_id"].(string)
	return id
}

type fakeProfilesCollection struct {
	docs map[string]profileDocument
}

func (c *fakeProfilesCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	doc, ok := c.docs[filterProfileID(filter)]
	if !ok {
		return fakeProfileResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeProfileResult{doc: doc}
}

func (c *fakeProfilesCollection) Find(_ context.Context, _ any, _ ...options.Lister[options.FindOptions]) (cursor, error) {
	docs := make([]profileDocument, 0, len(c.docs))
	for _, doc := range c.docs {
		docs = append(docs, doc)
	}
	return &fakeProfileCursor{docs: docs}, nil
}

func (c *fakeProfilesCollection) InsertOne(_ context.Context, document any, _ ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	doc, ok := document.(profileDocument)
	if !ok {
		return nil, errors.New("unsupported document payload")
	}
	if _, exists := c.docs[doc.ID]; exists {
		return nil, mongodriver.WriteException{
			WriteErrors: mongodriver.WriteErrors{{Code: 11000}},
		}
	}
	c.docs[doc.ID] = doc
	return &mongodriver.InsertOneResult{InsertedID: doc.ID}, nil
}

func (c *fakeProfilesCollection) UpdateOne(_ context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	id := filterProfileID(filter)
	up, ok := update.(bson.M)
	if !ok {
		return nil, errors.New("unsupported update payload")
	}
	folded := foldUpdateOne(opts)
	upsert := folded.Upsert != nil && *folded.Upsert

	doc, exists := c.docs[id]
	if !exists {
		if !upsert {
			return &mongodriver.UpdateResult{}, nil
		}
		doc = profileDocument{ID: id}
		if soi, ok := up["$setOnInsert"].(bson.M); ok {
			doc.applySet(soi)
		}
	}
	if set, ok := up["$set"].(bson.M); ok {
		doc.applySet(set)
	}
	c.docs[id] = doc
	if !exists {
		return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
	}
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeProfilesCollection) ReplaceOne(context.Context, any, any, ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeProfilesCollection) DeleteOne(_ context.Context, filter any, _ ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	id := filterProfileID(filter)
	if _, ok := c.docs[id]; !ok {
		return &mongodriver.DeleteResult{}, nil
	}
	delete(c.docs, id)
	return &mongodriver.DeleteResult{DeletedCount: 1}, nil
}

func (c *fakeProfilesCollection) Indexes() indexView {
	return fakeIndexView{}
}

func (d *profileDocument) applySet(set bson.M) {
	for key, val := range set {
		switch key {
		case "profile_id":
			d.ID, _ = val.(string)
		case "name":
			d.Name, _ = val.(string)
		case "kind":
			d.Kind, _ = val.(string)
		case "credential":
			d.Credential, _ = val.(string)
		case "base_url":
			d.BaseURL, _ = val.(string)
		case "model":
			d.Model, _ = val.(string)
		case "temperature":
			d.Temperature, _ = val.(float64)
		case "max_tokens":
			d.MaxTokens, _ = val.(int)
		case "created_at":
			d.CreatedAt, _ = val.(time.Time)
		case "updated_at":
			d.UpdatedAt, _ = val.(time.Time)
		}
	}
}

type fakeAssignmentsCollection struct {
	doc *assignmentsDocument
}

func (c *fakeAssignmentsCollection) FindOne(_ context.Context, _ any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	if c.doc == nil {
		return fakeAssignmentsResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeAssignmentsResult{doc: *c.doc}
}

func (c *fakeAssignmentsCollection) Find(context.Context, any, ...options.Lister[options.FindOptions]) (cursor, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeAssignmentsCollection) InsertOne(context.Context, any, ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeAssignmentsCollection) UpdateOne(_ context.Context, _ any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	up, ok := update.(bson.M)
	if !ok {
		return nil, errors.New("unsupported update payload")
	}
	folded := foldUpdateOne(opts)
	upsert := folded.Upsert != nil && *folded.Upsert

	if c.doc == nil {
		if !upsert {
			return &mongodriver.UpdateResult{}, nil
		}
		c.doc = &assignmentsDocument{ID: assignmentsDocID, Roles: map[string]string{}}
	}
	if c.doc.Roles == nil {
		c.doc.Roles = map[string]string{}
	}
	if set, ok := up["$set"].(bson.M); ok {
		for key, val := range set {
			switch {
			case key == "updated_at":
				c.doc.UpdatedAt, _ = val.(time.Time)
			case strings.HasPrefix(key, "roles."):
				if id, ok := val.(string); ok {
					c.doc.Roles[strings.TrimPrefix(key, "roles.")] = id
				}
			}
		}
	}
	if unset, ok := up["$unset"].(bson.M); ok {
		for key := range unset {
			if strings.HasPrefix(key, "roles.") {
				delete(c.doc.Roles, strings.TrimPrefix(key, "roles."))
			}
		}
	}
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeAssignmentsCollection) ReplaceOne(_ context.Context, _ any, replacement any, _ ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	doc, ok := replacement.(assignmentsDocument)
	if !ok {
		return nil, errors.New("unsupported replacement payload")
	}
	c.doc = &doc
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeAssignmentsCollection) DeleteOne(context.Context, any, ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeAssignmentsCollection) Indexes() indexView {
	return fakeIndexView{}
}

type fakeProfileResult struct {
	doc profileDocument
	err error
}

func (r fakeProfileResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	p, ok := val.(*profileDocument)
	if !ok {
		return errors.New("unsupported decode target")
	}
	*p = r.doc
	return nil
}

type fakeAssignmentsResult struct {
	doc assignmentsDocument
	err error
}

func (r fakeAssignmentsResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	p, ok := val.(*assignmentsDocument)
	if !ok {
		return errors.New("unsupported decode target")
	}
	*p = r.doc
	return nil
}

type fakeProfileCursor struct {
	docs []profileDocument
	pos  int
}

func (c *fakeProfileCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeProfileCursor) Decode(val any) error {
	if c.pos == 0 || c.pos > len(c.docs) {
		return errors.New("decode out of range")
	}
	p, ok := val.(*profileDocument)
	if !ok {
		return errors.New("unsupported decode target")
	}
	*p = c.docs[c.pos-1]
	return nil
}

func (c *fakeProfileCursor) Err() error {
	return nil
}

func (c *fakeProfileCursor) Close(context.Context) error {
	return nil
}

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "", nil
}
