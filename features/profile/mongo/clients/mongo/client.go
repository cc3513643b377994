// Package mongo hosts the MongoDB client used by the profile store.
package mongo

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/atelier-ai/atelier/runtime/profile"
)

type (
	// Client exposes Mongo-backed operations for profiles and the role
	// assignment table.
	Client interface {
		health.Pinger

		ListProfiles(ctx context.Context) ([]profile.Profile, error)
		GetProfile(ctx context.Context, id string) (profile.Profile, error)
		CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error)
		UpdateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error)
		DeleteProfile(ctx context.Context, id string) error

		Assignments(ctx context.Context) (profile.Assignments, error)
		Assign(ctx context.Context, role profile.Role, profileID string) error

		Seed(ctx context.Context, profiles []profile.Profile, assignments profile.Assignments) error
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client                *mongodriver.Client
		Database              string
		ProfilesCollection    string
		AssignmentsCollection string
		Timeout               time.Duration
	}

	client struct {
		mongo       *mongodriver.Client
		profiles    collection
		assignments collection
		timeout     time.Duration
	}

	profileDocument struct {
		ID          string    `bson:"profile_id"`
		Name        string    `bson:"name,omitempty"`
		Kind        string    `bson:"kind"`
		Credential  string    `bson:"credential,omitempty"`
		BaseURL     string    `bson:"base_url,omitempty"`
		Model       string    `bson:"model"`
		Temperature float64   `bson:"temperature,omitempty"`
		MaxTokens   int       `bson:"max_tokens,omitempty"`
		CreatedAt   time.Time `bson:"created_at"`
		UpdatedAt   time.Time `bson:"updated_at"`
	}

	assignmentsDocument struct {
		ID        string            `bson:"_id"`
		Roles     map[string]string `bson:"roles"`
		UpdatedAt time.Time         `bson:"updated_at"`
	}
)

const (
	defaultProfilesCollection    = "provider_profiles"
	defaultAssignmentsCollection = "role_assignments"
	defaultTimeout               = 5 * time.Second
	clientName                   = "profile-mongo"

	// assignmentsDocID keys the singleton document holding the role table.
	assignmentsDocID = "assignments"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	profilesCollection := opts.ProfilesCollection
	if profilesCollection == "" {
		profilesCollection = defaultProfilesCollection
	}
	assignmentsCollection := opts.AssignmentsCollection
	if assignmentsCollection == "" {
		assignmentsCollection = defaultAssignmentsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	profilesWrapper := mongoCollection{coll: db.Collection(profilesCollection)}
	assignmentsWrapper := mongoCollection{coll: db.Collection(assignmentsCollection)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, profilesWrapper); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, profilesWrapper, assignmentsWrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// ListProfiles returns all profiles ordered by creation time, then id. The
// collection is small so sorting happens client side, keeping the wire
// queries trivial.
func (c *client) ListProfiles(ctx context.Context) ([]profile.Profile, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.profiles.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var out []profile.Profile
	for cur.Next(ctx) {
		var doc profileDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toProfile())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (c *client) GetProfile(ctx context.Context, id string) (profile.Profile, error) {
	if id == "" {
		return profile.Profile{}, errors.New("profile id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc profileDocument
	if err := c.profiles.FindOne(ctx, bson.M{"profile_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return profile.Profile{}, profile.ErrNotFound
		}
		return profile.Profile{}, err
	}
	return doc.toProfile(), nil
}

func (c *client) CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		return profile.Profile{}, err
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.profiles.InsertOne(ctx, fromProfile(p)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return profile.Profile{}, errors.New("profile id already exists")
		}
		return profile.Profile{}, err
	}
	return p, nil
}

func (c *client) UpdateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	if err := p.Validate(); err != nil {
		return profile.Profile{}, err
	}
	now := time.Now().UTC()

	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"name":        p.Name,
			"kind":        string(p.Kind),
			"credential":  p.Credential,
			"base_url":    p.BaseURL,
			"model":       p.Model,
			"temperature": p.Temperature,
			"max_tokens":  p.MaxTokens,
			"updated_at":  now,
		},
	}
	res, err := c.profiles.UpdateOne(ctxWithTimeout, bson.M{"profile_id": p.ID}, update)
	if err != nil {
		return profile.Profile{}, err
	}
	if res.MatchedCount == 0 {
		return profile.Profile{}, profile.ErrNotFound
	}
	return c.GetProfile(ctx, p.ID)
}

func (c *client) DeleteProfile(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("profile id is required")
	}

	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.profiles.DeleteOne(ctxWithTimeout, bson.M{"profile_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return profile.ErrNotFound
	}

	// Drop any assignments pointing at the deleted profile so roles never
	// reference a missing backend.
	assignments, err := c.Assignments(ctx)
	if err != nil {
		return err
	}
	changed := false
	for role, assigned := range assignments {
		if assigned == id {
			delete(assignments, role)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return c.replaceAssignments(ctx, assignments)
}

func (c *client) Assignments(ctx context.Context) (profile.Assignments, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc assignmentsDocument
	if err := c.assignments.FindOne(ctx, bson.M{"_id": assignmentsDocID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return profile.Assignments{}, nil
		}
		return nil, err
	}
	out := make(profile.Assignments, len(doc.Roles))
	for role, id := range doc.Roles {
		out[profile.Role(role)] = id
	}
	return out, nil
}

func (c *client) Assign(ctx context.Context, role profile.Role, profileID string) error {
	if !role.Valid() {
		return errors.New("unknown role " + string(role))
	}

	if profileID == "" {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		update := bson.M{
			"$unset": bson.M{"roles." + string(role): ""},
			"$set":   bson.M{"updated_at": time.Now().UTC()},
		}
		_, err := c.assignments.UpdateOne(ctx, bson.M{"_id": assignmentsDocID}, update)
		return err
	}

	if _, err := c.GetProfile(ctx, profileID); err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$set": bson.M{
			"roles." + string(role): profileID,
			"updated_at":            time.Now().UTC(),
		},
	}
	_, err := c.assignments.UpdateOne(ctx, bson.M{"_id": assignmentsDocID}, update,
		options.UpdateOne().SetUpsert(true))
	return err
}

// Seed loads configuration-provided profiles and assignments in one shot.
// Reseeding the same profile id keeps its created_at; assignments replace
// the current table wholesale.
func (c *client) Seed(ctx context.Context, profiles []profile.Profile, assignments profile.Assignments) error {
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	for role, id := range assignments {
		if !role.Valid() {
			return errors.New("unknown role " + string(role))
		}
		if id == "" {
			return errors.New("assignment for " + string(role) + " has no profile id")
		}
	}

	now := time.Now().UTC()
	for _, p := range profiles {
		// created_at lives only in $setOnInsert so reseeding never rewrites
		// it; MongoDB rejects updates that set the same path in two update
		// operators.
		update := bson.M{
			"$set": bson.M{
				"name":        p.Name,
				"kind":        string(p.Kind),
				"credential":  p.Credential,
				"base_url":    p.BaseURL,
				"model":       p.Model,
				"temperature": p.Temperature,
				"max_tokens":  p.MaxTokens,
				"updated_at":  now,
			},
			"$setOnInsert": bson.M{
				"profile_id": p.ID,
				"created_at": now,
			},
		}
		ctxWithTimeout, cancel := c.withTimeout(ctx)
		_, err := c.profiles.UpdateOne(ctxWithTimeout, bson.M{"profile_id": p.ID}, update,
			options.UpdateOne().SetUpsert(true))
		cancel()
		if err != nil {
			return err
		}
	}

	for role, id := range assignments {
		if _, err := c.GetProfile(ctx, id); err != nil {
			if errors.Is(err, profile.ErrNotFound) {
				return errors.New("assignment for " + string(role) + " references unknown profile " + id)
			}
			return err
		}
	}
	return c.replaceAssignments(ctx, assignments)
}

func (c *client) replaceAssignments(ctx context.Context, assignments profile.Assignments) error {
	roles := make(map[string]string, len(assignments))
	for role, id := range assignments {
		roles[string(role)] = id
	}
	doc := assignmentsDocument{
		ID:        assignmentsDocID,
		Roles:     roles,
		UpdatedAt: time.Now().UTC(),
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.assignments.ReplaceOne(ctx, bson.M{"_id": assignmentsDocID}, doc,
		options.Replace().SetUpsert(true))
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func fromProfile(p profile.Profile) profileDocument {
	return profileDocument{
		ID:          p.ID,
		Name:        p.Name,
		Kind:        string(p.Kind),
		Credential:  p.Credential,
		BaseURL:     p.BaseURL,
		Model:       p.Model,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		CreatedAt:   p.CreatedAt.UTC(),
		UpdatedAt:   p.UpdatedAt.UTC(),
	}
}

func (doc profileDocument) toProfile() profile.Profile {
	return profile.Profile{
		ID:          doc.ID,
		Name:        doc.Name,
		Kind:        profile.Kind(doc.Kind),
		Credential:  doc.Credential,
		BaseURL:     doc.BaseURL,
		Model:       doc.Model,
		Temperature: doc.Temperature,
		MaxTokens:   doc.MaxTokens,
		CreatedAt:   doc.CreatedAt.UTC(),
		UpdatedAt:   doc.UpdatedAt.UTC(),
	}
}

func ensureIndexes(ctx context.Context, profilesColl collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "profile_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := profilesColl.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollections(mongoClient *mongodriver.Client, profilesColl, assignmentsColl collection, timeout time.Duration) (*client, error) {
	if profilesColl == nil || assignmentsColl == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:       mongoClient,
		profiles:    profilesColl,
		assignments: assignmentsColl,
		timeout:     timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
