package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/atelier-ai/atelier/runtime/profile"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}

	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}

	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
}

func getIntegrationClient(t *testing.T) Client {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}

	ctx := context.Background()
	db := testMongoClient.Database("atelier_profiles_test")
	profilesName := t.Name() + "_profiles"
	assignmentsName := t.Name() + "_assignments"
	require.NoError(t, db.Collection(profilesName).Drop(ctx))
	require.NoError(t, db.Collection(assignmentsName).Drop(ctx))

	c, err := New(Options{
		Client:                testMongoClient,
		Database:              "atelier_profiles_test",
		ProfilesCollection:    profilesName,
		AssignmentsCollection: assignmentsName,
	})
	require.NoError(t, err)
	return c
}

func TestIntegrationProfileLifecycle(t *testing.T) {
	c := getIntegrationClient(t)
	ctx := context.Background()

	created, err := c.CreateProfile(ctx, writerProfile(""))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := c.GetProfile(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.Kind, got.Kind)
	assert.Equal(t, created.Model, got.Model)
	// BSON stores times at millisecond precision.
	assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Second)

	_, err = c.CreateProfile(ctx, writerProfile(created.ID))
	require.ErrorContains(t, err, "already exists")

	changed := got
	changed.Model = "claude-3-7-sonnet"
	updated, err := c.UpdateProfile(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, "claude-3-7-sonnet", updated.Model)
	assert.True(t, got.CreatedAt.Equal(updated.CreatedAt))

	_, err = c.GetProfile(ctx, "ghost")
	require.ErrorIs(t, err, profile.ErrNotFound)

	require.NoError(t, c.DeleteProfile(ctx, created.ID))
	require.ErrorIs(t, c.DeleteProfile(ctx, created.ID), profile.ErrNotFound)
}

func TestIntegrationAssignments(t *testing.T) {
	c := getIntegrationClient(t)
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

	require.ErrorIs(t, c.Assign(ctx, profile.RoleReviewer, "ghost"), profile.ErrNotFound)

	require.NoError(t, c.Assign(ctx, profile.RoleEditor, ""))
	assignments, err = c.Assignments(ctx)
	require.NoError(t, err)
	assert.Equal(t, profile.Assignments{profile.RoleWriter: created.ID}, assignments)

	// Deleting the profile clears the roles that point at it.
	require.NoError(t, c.DeleteProfile(ctx, created.ID))
	assignments, err = c.Assignments(ctx)
	require.NoError(t, err)
	assert.Empty(t, assignments)
}

func TestIntegrationSeedPreservesCreatedAt(t *testing.T) {
	c := getIntegrationClient(t)
	ctx := context.Background()

	writer := writerProfile("writer-1")
	err := c.Seed(ctx, []profile.Profile{writer}, profile.Assignments{
		profile.RoleWriter: "writer-1",
	})
	require.NoError(t, err)

	first, err := c.GetProfile(ctx, "writer-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	writer.Model = "claude-3-7-sonnet"
	require.NoError(t, c.Seed(ctx, []profile.Profile{writer}, nil))

	second, err := c.GetProfile(ctx, "writer-1")
	require.NoError(t, err)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
	assert.Equal(t, "claude-3-7-sonnet", second.Model)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestIntegrationListOrdering(t *testing.T) {
	c := getIntegrationClient(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		p, err := c.CreateProfile(ctx, writerProfile(""))
		require.NoError(t, err)
		ids = append(ids, p.ID)
		time.Sleep(5 * time.Millisecond)
	}

	listed, err := c.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, p := range listed {
		assert.Equal(t, ids[i], p.ID)
	}
}

func TestIntegrationPing(t *testing.T) {
	c := getIntegrationClient(t)

	assert.Equal(t, "profile-mongo", c.Name())
	require.NoError(t, c.Ping(context.Background()))
}
