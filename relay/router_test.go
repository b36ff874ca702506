package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WadkarNaved15/moq/auth"
	"github.com/WadkarNaved15/moq/moq"
)

type publishCall struct {
	prefix string
	src    *moq.OriginConsumer
}

// fakeSession records registrations and serves its own broadcasts from remote.
type fakeSession struct {
	remote    *moq.Origin
	published []publishCall
	consumed  []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{remote: moq.NewOrigin()}
}

func (f *fakeSession) PublishPrefix(prefix string, src *moq.OriginConsumer) {
	f.published = append(f.published, publishCall{prefix, src})
}

func (f *fakeSession) ConsumePrefix(prefix string) *moq.OriginConsumer {
	f.consumed = append(f.consumed, "prefix:"+prefix)
	return f.remote.ConsumePrefix(prefix)
}

func (f *fakeSession) ConsumeExact(path string) *moq.OriginConsumer {
	f.consumed = append(f.consumed, "exact:"+path)
	return f.remote.ConsumeExact(path)
}

func newRouter() Router {
	return Router{Primary: moq.NewOrigin(), Secondary: moq.NewOrigin()}
}

func publish(origin *moq.Origin, path string) *moq.BroadcastProducer {
	b := moq.NewBroadcast()
	origin.Publish(path, b.Consume())
	return b
}

func announced(t *testing.T, src *moq.OriginConsumer) (moq.Announce, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	return src.Announced(ctx)
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, Prefix, ModeFor(""))
	assert.Equal(t, Prefix, ModeFor("/a/"))
	assert.Equal(t, Exact, ModeFor("/a/b"))
	assert.Equal(t, Exact, ModeFor("a"))
}

func TestPlan_DecisionTable(t *testing.T) {
	tests := []struct {
		name   string
		claims auth.Claims
		want   []Route
	}{
		{
			name:   "nothing allowed",
			claims: auth.Claims{Path: "room/"},
			want:   nil,
		},
		{
			name:   "edge subscriber reads both scopes",
			claims: auth.Claims{Path: "room/", Subscribe: auth.Scope("")},
			want: []Route{
				{Subscribe, Primary, Prefix, "", "room/"},
				{Subscribe, Secondary, Prefix, "", "room/"},
			},
		},
		{
			name:   "cluster subscriber reads primary only",
			claims: auth.Claims{Subscribe: auth.Scope(""), Cluster: true},
			want: []Route{
				{Subscribe, Primary, Prefix, "", ""},
			},
		},
		{
			name:   "edge publisher writes primary",
			claims: auth.Claims{Path: "room/", Publish: auth.Scope("alice")},
			want: []Route{
				{Publish, Primary, Exact, "alice", "room/alice"},
			},
		},
		{
			name:   "cluster publisher writes secondary",
			claims: auth.Claims{Path: "/a", Publish: auth.Scope("/b"), Cluster: true},
			want: []Route{
				{Publish, Secondary, Exact, "/b", "/a/b"},
			},
		},
		{
			name:   "both directions",
			claims: auth.Claims{Path: "", Subscribe: auth.Scope(""), Publish: auth.Scope("me/")},
			want: []Route{
				{Subscribe, Primary, Prefix, "", ""},
				{Subscribe, Secondary, Prefix, "", ""},
				{Publish, Primary, Prefix, "me/", "me/"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Plan(tt.claims))
		})
	}
}

func TestApply_SubscribeReadsBothScopesForEdge(t *testing.T) {
	r := newRouter()
	sess := newFakeSession()

	claims := auth.Claims{Path: "/a/", Subscribe: auth.Scope("b"), Cluster: false}
	r.Apply(sess, Plan(claims))

	require.Len(t, sess.published, 2)
	assert.Equal(t, "b", sess.published[0].prefix)
	assert.Equal(t, "b", sess.published[1].prefix)

	publish(r.Primary, "/a/b")
	publish(r.Secondary, "/a/b")

	a, err := announced(t, sess.published[0].src)
	require.NoError(t, err)
	assert.Equal(t, "", a.Path)
	_, err = announced(t, sess.published[1].src)
	require.NoError(t, err)
}

func TestApply_SubscribeUnderPrefix(t *testing.T) {
	r := newRouter()
	sess := newFakeSession()

	r.Apply(sess, Plan(auth.Claims{Path: "/a/", Subscribe: auth.Scope("b/")}))
	require.Len(t, sess.published, 2)

	publish(r.Primary, "/a/b/cam1")
	publish(r.Secondary, "/a/b/cam2")
	publish(r.Primary, "/a/other")

	a, err := announced(t, sess.published[0].src)
	require.NoError(t, err)
	assert.Equal(t, "cam1", a.Path)
	_, err = announced(t, sess.published[0].src)
	assert.Error(t, err)

	a, err = announced(t, sess.published[1].src)
	require.NoError(t, err)
	assert.Equal(t, "cam2", a.Path)
}

func TestApply_ClusterSubscriberNeverSeesSecondary(t *testing.T) {
	r := newRouter()
	sess := newFakeSession()

	r.Apply(sess, Plan(auth.Claims{Path: "/a/", Subscribe: auth.Scope("b"), Cluster: true}))
	require.Len(t, sess.published, 1)

	publish(r.Secondary, "/a/b")
	_, err := announced(t, sess.published[0].src)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	publish(r.Primary, "/a/b")
	_, err = announced(t, sess.published[0].src)
	assert.NoError(t, err)
}

func TestApply_ClusterPublishIsExactIntoSecondary(t *testing.T) {
	r := newRouter()
	sess := newFakeSession()

	r.Apply(sess, Plan(auth.Claims{Path: "/a", Publish: auth.Scope("/b"), Cluster: true}))
	assert.Equal(t, []string{"exact:/b"}, sess.consumed)

	publish(sess.remote, "/b")
	publish(sess.remote, "/bc")

	assert.Eventually(t, func() bool {
		_, ok := r.Secondary.ConsumeBroadcast("/a/b")
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"/a/b"}, r.Secondary.Active())
	assert.Empty(t, r.Primary.Active())
}

func TestApply_EdgePublishUnderPrefix(t *testing.T) {
	r := newRouter()
	sess := newFakeSession()

	r.Apply(sess, Plan(auth.Claims{Path: "room/", Publish: auth.Scope("")}))
	assert.Equal(t, []string{"prefix:"}, sess.consumed)

	publish(sess.remote, "alice")
	assert.Eventually(t, func() bool {
		return len(r.Primary.Active()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"room/alice"}, r.Primary.Active())
	assert.Empty(t, r.Secondary.Active())
}

func TestApply_NothingAllowed(t *testing.T) {
	r := newRouter()
	sess := newFakeSession()

	r.Apply(sess, Plan(auth.Claims{Path: "room/"}))
	assert.Empty(t, sess.published)
	assert.Empty(t, sess.consumed)
}
