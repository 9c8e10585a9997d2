package crmsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type fakeCRM struct {
	mu         sync.Mutex
	contacts   map[string]Contact
	tags       map[string]Tag
	tagMembers map[string]map[string]bool
	timeline   map[string][]TimelineEvent
	audiences  []Audience
	nextTagID  int

	createContactCalls int
	updateContactCalls int
	createTagCalls     int
	renameTagCalls     int

	failAddTagMembersFor string
	failListAudiences    error
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		contacts:   map[string]Contact{},
		tags:       map[string]Tag{},
		tagMembers: map[string]map[string]bool{},
		timeline:   map[string][]TimelineEvent{},
	}
}

func (c *fakeCRM) ListAudiences(ctx context.Context) ([]Audience, error) {
	if c.failListAudiences != nil {
		return nil, c.failListAudiences
	}
	return c.audiences, nil
}

func (c *fakeCRM) FindContactByEmail(ctx context.Context, email string) (Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	contact, ok := c.contacts[strings.ToLower(email)]
	if !ok {
		return Contact{}, &CRMError{Kind: ErrNotFound, Op: "FindContactByEmail", Status: 404, Message: "no such member"}
	}
	return contact, nil
}

func (c *fakeCRM) CreateContact(ctx context.Context, contact Contact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createContactCalls++
	c.contacts[strings.ToLower(contact.Email)] = contact
	return nil
}

func (c *fakeCRM) UpdateContact(ctx context.Context, contact Contact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateContactCalls++
	key := strings.ToLower(contact.Email)
	if _, ok := c.contacts[key]; !ok {
		return &CRMError{Kind: ErrNotFound, Op: "UpdateContact", Status: 404, Message: "no such member"}
	}
	c.contacts[key] = contact
	return nil
}

func (c *fakeCRM) CreateTag(ctx context.Context, name string) (Tag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createTagCalls++
	c.nextTagID++
	tag := Tag{ID: "tag_" + strconv.Itoa(c.nextTagID), Name: name}
	c.tags[tag.ID] = tag
	c.tagMembers[tag.ID] = map[string]bool{}
	return tag, nil
}

func (c *fakeCRM) RenameTag(ctx context.Context, id, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renameTagCalls++
	tag, ok := c.tags[id]
	if !ok {
		return &CRMError{Kind: ErrNotFound, Op: "RenameTag", Status: 404, Message: "no such segment"}
	}
	tag.Name = name
	c.tags[id] = tag
	return nil
}

func (c *fakeCRM) GetTag(ctx context.Context, id string) (Tag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tag, ok := c.tags[id]
	if !ok {
		return Tag{}, &CRMError{Kind: ErrNotFound, Op: "GetTag", Status: 404, Message: "no such segment"}
	}
	return tag, nil
}

func (c *fakeCRM) AddTagMembers(ctx context.Context, id string, emails []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == c.failAddTagMembersFor {
		return &CRMError{Kind: ErrUnavailable, Op: "AddTagMembers", Status: 500, Message: "boom"}
	}
	members, ok := c.tagMembers[id]
	if !ok {
		return &CRMError{Kind: ErrNotFound, Op: "AddTagMembers", Status: 404, Message: "no such segment"}
	}
	for _, email := range emails {
		members[strings.ToLower(email)] = true
	}
	return nil
}

func (c *fakeCRM) RemoveTagMembers(ctx context.Context, id string, emails []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.tagMembers[id]
	if !ok {
		return &CRMError{Kind: ErrNotFound, Op: "RemoveTagMembers", Status: 404, Message: "no such segment"}
	}
	for _, email := range emails {
		delete(members, strings.ToLower(email))
	}
	return nil
}

func (c *fakeCRM) PostTimelineEvent(ctx context.Context, email string, event TimelineEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(email)
	c.timeline[key] = append(c.timeline[key], event)
	return nil
}

func (c *fakeCRM) hasTagMember(tagID, email string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tagMembers[tagID][strings.ToLower(email)]
}

type fakePlatform struct {
	members      map[string]Member
	spaces       map[string]Space
	memberSpaces map[string][]Space
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		members:      map[string]Member{},
		spaces:       map[string]Space{},
		memberSpaces: map[string][]Space{},
	}
}

func (p *fakePlatform) Member(ctx context.Context, id string) (Member, error) {
	member, ok := p.members[id]
	if !ok {
		return Member{}, fmt.Errorf("member %s not found", id)
	}
	return member, nil
}

func (p *fakePlatform) Space(ctx context.Context, id string) (Space, error) {
	space, ok := p.spaces[id]
	if !ok {
		return Space{}, fmt.Errorf("space %s not found", id)
	}
	return space, nil
}

func (p *fakePlatform) MemberSpaces(ctx context.Context, memberID string, limit int) ([]Space, error) {
	spaces := p.memberSpaces[memberID]
	if limit > 0 && len(spaces) > limit {
		spaces = spaces[:limit]
	}
	return spaces, nil
}

type testEngine struct {
	engine      *Engine
	crm         *fakeCRM
	platform    *fakePlatform
	connections *InMemoryConnectionStore
	segments    *InMemorySegmentCache
}

func newTestEngine(t *testing.T, conn *Connection) *testEngine {
	t.Helper()
	crm := newFakeCRM()
	platform := newFakePlatform()
	connections := NewInMemoryConnectionStore()
	segments := NewInMemorySegmentCache()
	if conn != nil {
		if err := connections.Upsert(context.Background(), conn); err != nil {
			t.Fatalf("seed connection: %v", err)
		}
	}
	engine := NewEngine(Options{
		Connections: connections,
		Segments:    segments,
		Platform:    platform,
		CRMFactory:  func(*Connection) CRMClient { return crm },
	})
	return &testEngine{
		engine:      engine,
		crm:         crm,
		platform:    platform,
		connections: connections,
		segments:    segments,
	}
}

func configuredConnection() *Connection {
	return &Connection{
		NetworkID:   "net_1",
		AccessToken: "token",
		APIEndpoint: "https://us1.api.example",
		AudienceID:  "aud_1",
	}
}

func mustEnvelope(t *testing.T, envelope map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func subscriptionEnvelope(t *testing.T, name string, object map[string]any) []byte {
	t.Helper()
	return mustEnvelope(t, map[string]any{
		"type":      TypeSubscription,
		"networkId": "net_1",
		"data": map[string]any{
			"name":   name,
			"object": object,
		},
	})
}

func TestChallengeEcho(t *testing.T) {
	te := newTestEngine(t, nil)
	raw := mustEnvelope(t, map[string]any{
		"type": TypeTest,
		"data": map[string]any{"challenge": "c_42"},
	})

	result := te.engine.HandleEvent(context.Background(), raw)

	if result.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", result.Status, result.ErrorMessage)
	}
	if result.Data["challenge"] != "c_42" {
		t.Fatalf("expected challenge echo, got %v", result.Data)
	}
}

func TestChallengeEchoWinsOverRouting(t *testing.T) {
	te := newTestEngine(t, nil)
	raw := mustEnvelope(t, map[string]any{
		"type":      TypeSubscription,
		"networkId": "net_1",
		"data":      map[string]any{"name": "member.verified", "challenge": "c_7"},
	})

	result := te.engine.HandleEvent(context.Background(), raw)

	if result.Type != TypeTest || result.Data["challenge"] != "c_7" {
		t.Fatalf("expected TEST challenge echo, got %+v", result)
	}
}

func TestMalformedEnvelopeRejected(t *testing.T) {
	te := newTestEngine(t, nil)

	for _, raw := range [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"SOMETHING_ELSE"}`),
		[]byte(`{"data":{}}`),
	} {
		result := te.engine.HandleEvent(context.Background(), raw)
		if result.Status != StatusFailed {
			t.Fatalf("expected FAILED for %q, got %s", raw, result.Status)
		}
		if result.ErrorCode != "INVALID_ENVELOPE" {
			t.Fatalf("expected INVALID_ENVELOPE for %q, got %q", raw, result.ErrorCode)
		}
	}
}

func TestUnconfiguredTenantIsNoOp(t *testing.T) {
	te := newTestEngine(t, nil)
	raw := subscriptionEnvelope(t, "member.verified", map[string]any{
		"id": "m_1", "email": "ada@example.com",
	})

	result := te.engine.HandleEvent(context.Background(), raw)

	if result.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED for unconfigured tenant, got %s", result.Status)
	}
	if te.crm.createContactCalls != 0 {
		t.Fatalf("expected no CRM calls, got %d creates", te.crm.createContactCalls)
	}
}

func TestConnectionWithoutAudienceIsNoOp(t *testing.T) {
	conn := configuredConnection()
	conn.AudienceID = ""
	te := newTestEngine(t, conn)
	raw := subscriptionEnvelope(t, "member.verified", map[string]any{
		"id": "m_1", "email": "ada@example.com",
	})

	result := te.engine.HandleEvent(context.Background(), raw)

	if result.Status != StatusSucceeded || te.crm.createContactCalls != 0 {
		t.Fatalf("expected no-op success, got status=%s creates=%d", result.Status, te.crm.createContactCalls)
	}
}

func TestMemberVerifiedCreatesContactOnce(t *testing.T) {
	te := newTestEngine(t, configuredConnection())
	raw := subscriptionEnvelope(t, "member.verified", map[string]any{
		"id": "m_1", "email": "Ada@Example.com", "name": "Ada Lovelace",
	})

	for i := 0; i < 2; i++ {
		result := te.engine.HandleEvent(context.Background(), raw)
		if result.Status != StatusSucceeded {
			t.Fatalf("delivery %d: expected SUCCEEDED, got %s (%s)", i, result.Status, result.ErrorMessage)
		}
	}

	if te.crm.createContactCalls != 1 {
		t.Fatalf("expected exactly one contact creation, got %d", te.crm.createContactCalls)
	}
	if _, ok := te.crm.contacts["ada@example.com"]; !ok {
		t.Fatalf("expected contact keyed by lowercased email, have %v", te.crm.contacts)
	}
}

func TestMemberUpdateGatedBySendName(t *testing.T) {
	conn := configuredConnection()
	te := newTestEngine(t, conn)
	te.crm.contacts["ada@example.com"] = Contact{Email: "ada@example.com", Name: "Old Name"}

	raw := subscriptionEnvelope(t, "member.updated", map[string]any{
		"id": "m_1", "email": "ada@example.com", "name": "New Name",
	})

	result := te.engine.HandleEvent(context.Background(), raw)
	if result.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", result.Status)
	}
	if te.crm.updateContactCalls != 0 {
		t.Fatalf("sendName=false must not update existing contacts, got %d updates", te.crm.updateContactCalls)
	}
	if te.crm.contacts["ada@example.com"].Name != "Old Name" {
		t.Fatalf("CRM-side name must be preserved, got %q", te.crm.contacts["ada@example.com"].Name)
	}

	conn.SendName = true
	if err := te.connections.Upsert(context.Background(), conn); err != nil {
		t.Fatalf("update connection: %v", err)
	}
	result = te.engine.HandleEvent(context.Background(), raw)
	if result.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", result.Status)
	}
	if te.crm.updateContactCalls != 1 {
		t.Fatalf("sendName=true must update existing contacts, got %d updates", te.crm.updateContactCalls)
	}
	if te.crm.contacts["ada@example.com"].Name != "New Name" {
		t.Fatalf("expected updated name, got %q", te.crm.contacts["ada@example.com"].Name)
	}
}

func TestMemberWithoutEmailDropped(t *testing.T) {
	te := newTestEngine(t, configuredConnection())
	raw := subscriptionEnvelope(t, "member.verified", map[string]any{"id": "m_1"})

	result := te.engine.HandleEvent(context.Background(), raw)

	if result.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED for memberless email, got %s", result.Status)
	}
	if te.crm.createContactCalls != 0 {
		t.Fatalf("expected no contact creation, got %d", te.crm.createContactCalls)
	}
}

func TestSpaceCreatedCreatesPrefixedTag(t *testing.T) {
	conn := configuredConnection()
	conn.SegmentPrefix = "Tribe"
	te := newTestEngine(t, conn)

	raw := subscriptionEnvelope(t, "space.created", map[string]any{
		"id": "s_1", "name": "General",
	})
	result := te.engine.HandleEvent(context.Background(), raw)
	if result.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", result.Status, result.ErrorMessage)
	}
	if te.crm.createTagCalls != 1 {
		t.Fatalf("expected one tag creation, got %d", te.crm.createTagCalls)
	}
	segmentID, err := te.segments.Get(context.Background(), "net_1", "s_1")
	if err != nil || segmentID == "" {
		t.Fatalf("expected cached segment id, got %q err=%v", segmentID, err)
	}
	if tag := te.crm.tags[segmentID]; tag.Name != "Tribe General" {
		t.Fatalf("expected prefixed tag name, got %q", tag.Name)
	}

	// Redelivery resolves through the cache without creating again.
	result = te.engine.HandleEvent(context.Background(), raw)
	if result.Status != StatusSucceeded || te.crm.createTagCalls != 1 {
		t.Fatalf("redelivery must be idempotent, status=%s creates=%d", result.Status, te.crm.createTagCalls)
	}
}

func TestSpaceUpdatedRenamesTag(t *testing.T) {
	te := newTestEngine(t, configuredConnection())

	created := te.engine.HandleEvent(context.Background(), subscriptionEnvelope(t, "space.created", map[string]any{
		"id": "s_1", "name": "General",
	}))
	if created.Status != StatusSucceeded {
		t.Fatalf("create failed: %+v", created)
	}
	segmentID, _ := te.segments.Get(context.Background(), "net_1", "s_1")

	result := te.engine.HandleEvent(context.Background(), subscriptionEnvelope(t, "space.updated", map[string]any{
		"id": "s_1", "name": "Announcements",
	}))
	if result.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", result.Status)
	}
	if te.crm.renameTagCalls != 1 {
		t.Fatalf("expected one rename, got %d", te.crm.renameTagCalls)
	}
	if tag := te.crm.tags[segmentID]; tag.Name != "Announcements" {
		t.Fatalf("expected renamed tag, got %q", tag.Name)
	}

	// Same name again is a no-op.
	result = te.engine.HandleEvent(context.Background(), subscriptionEnvelope(t, "space.updated", map[string]any{
		"id": "s_1", "name": "Announcements",
	}))
	if result.Status != StatusSucceeded || te.crm.renameTagCalls != 1 {
		t.Fatalf("unchanged name must not rename, status=%s renames=%d", result.Status, te.crm.renameTagCalls)
	}
}

func TestStaleSegmentCacheRepairedOnMiss(t *testing.T) {
	te := newTestEngine(t, configuredConnection())

	// A cached id the CRM no longer knows: the tag was deleted out-of-band.
	if err := te.segments.Put(context.Background(), "net_1", "s_1", "tag_gone"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	result := te.engine.HandleEvent(context.Background(), subscriptionEnvelope(t, "space.created", map[string]any{
		"id": "s_1", "name": "General",
	}))
	if result.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", result.Status, result.ErrorMessage)
	}
	if te.crm.createTagCalls != 1 {
		t.Fatalf("expected stale entry to trigger re-creation, got %d creates", te.crm.createTagCalls)
	}
	segmentID, _ := te.segments.Get(context.Background(), "net_1", "s_1")
	if segmentID == "tag_gone" {
		t.Fatalf("stale cache entry must be replaced")
	}
	if _, ok := te.crm.tags[segmentID]; !ok {
		t.Fatalf("cache must point at a live tag, got %q", segmentID)
	}
}

func TestConcurrentDuplicateSpaceCreation(t *testing.T) {
	te := newTestEngine(t, configuredConnection())
	raw := subscriptionEnvelope(t, "space.created", map[string]any{
		"id": "s_1", "name": "General",
	})

	var wg sync.WaitGroup
	results := make([]ResultEnvelope, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = te.engine.HandleEvent(context.Background(), raw)
		}(i)
	}
	wg.Wait()

	for i, result := range results {
		if result.Status != StatusSucceeded {
			t.Fatalf("delivery %d failed: %+v", i, result)
		}
	}
	segmentID, _ := te.segments.Get(context.Background(), "net_1", "s_1")
	if _, ok := te.crm.tags[segmentID]; !ok {
		t.Fatalf("cache must settle on a valid tag id, got %q", segmentID)
	}
}

func TestMembershipCreatedAddsContactAndTagMember(t *testing.T) {
	te := newTestEngine(t, configuredConnection())
	te.platform.members["m_1"] = Member{ID: "m_1", Name: "Ada Lovelace", Email: "ada@example.com"}
	te.platform.spaces["s_1"] = Space{ID: "s_1", Name: "General"}

	result := te.engine.HandleEvent(context.Background(), subscriptionEnvelope(t, "space_membership.created", map[string]any{
		"spaceId": "s_1", "memberId": "m_1",
	}))
	if result.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", result.Status, result.ErrorMessage)
	}

	if _, ok := te.crm.contacts["ada@example.com"]; !ok {
		t.Fatalf("expected contact creation")
	}
	segmentID, _ := te.segments.Get(context.Background(), "net_1", "s_1")
	if segmentID == "" {
		t.Fatalf("expected tag created on demand from the space name")
	}
	if !te.crm.hasTagMember(segmentID, "ada@example.com") {
		t.Fatalf("expected member added to tag")
	}
}

func TestMembershipRemovalNeverCreates(t *testing.T) {
	te := newTestEngine(t, configuredConnection())
	te.platform.members["m_1"] = Member{ID: "m_1", Email: "ada@example.com"}
	te.platform.spaces["s_1"] = Space{ID: "s_1", Name: "General"}

	result := te.engine.HandleEvent(context.Background(), subscriptionEnvelope(t, "space_membership.deleted", map[string]any{
		"spaceId": "s_1", "memberId": "m_1",
	}))
	if result.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", result.Status, result.ErrorMessage)
	}
	if te.crm.createTagCalls != 0 {
		t.Fatalf("removal must not create tags, got %d creates", te.crm.createTagCalls)
	}
	if te.crm.createContactCalls != 0 {
		t.Fatalf("removal must not create contacts, got %d creates", te.crm.createContactCalls)
	}
}

func TestMembershipRemovalDropsTagMember(t *testing.T) {
	te := newTestEngine(t, configuredConnection())
	te.platform.members["m_1"] = Member{ID: "m_1", Email: "ada@example.com"}
	te.platform.spaces["s_1"] = Space{ID: "s_1", Name: "General"}

	create := te.engine.HandleEvent(context.Background(), subscriptionEnvelope(t, "space_membership.created", map[string]any{
		"spaceId": "s_1", "memberId": "m_1",
	}))
	if create.Status != StatusSucceeded {
		t.Fatalf("create failed: %+v", create)
	}
	segmentID, _ := te.segments.Get(context.Background(), "net_1", "s_1")

	remove := te.engine.HandleEvent(context.Background(), subscriptionEnvelope(t, "space_membership.deleted", map[string]any{
		"spaceId": "s_1", "memberId": "m_1",
	}))
	if remove.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", remove.Status)
	}
	if te.crm.hasTagMember(segmentID, "ada@example.com") {
		t.Fatalf("expected member removed from tag")
	}
	if _, ok := te.crm.contacts["ada@example.com"]; !ok {
		t.Fatalf("removal must not delete the contact")
	}
}

func TestMembershipMemberWithoutEmailDropped(t *testing.T) {
	te := newTestEngine(t, configuredConnection())
	te.platform.members["m_1"] = Member{ID: "m_1", Name: "No Email"}
	te.platform.spaces["s_1"] = Space{ID: "s_1", Name: "General"}

	result := te.engine.HandleEvent(context.Background(), subscriptionEnvelope(t, "space_membership.created", map[string]any{
		"spaceId": "s_1", "memberId": "m_1",
	}))
	if result.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", result.Status)
	}
	if te.crm.createContactCalls != 0 {
		t.Fatalf("expected no contact creation for emailless member")
	}
}

func TestSweepRepairsOtherSpacesInIsolation(t *testing.T) {
	te := newTestEngine(t, configuredConnection())
	te.platform.members["m_1"] = Member{ID: "m_1", Email: "ada@example.com"}
	te.platform.spaces["s_1"] = Space{ID: "s_1", Name: "General"}
	te.platform.memberSpaces["m_1"] = []Space{
		{ID: "s_2", Name: "Design"},
		{ID: "s_3", Name: "Broken"},
		{ID: "s_4", Name: "Support"},
	}

	// Pre-create s_3's tag and make additions to it fail: that space's slice
	// of the sweep breaks while the others keep going.
	brokenTag, err := te.crm.CreateTag(context.Background(), "Broken")
	if err != nil {
		t.Fatalf("seed tag: %v", err)
	}
	if err := te.segments.Put(context.Background(), "net_1", "s_3", brokenTag.ID); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	te.crm.failAddTagMembersFor = brokenTag.ID

	result := te.engine.HandleEvent(context.Background(), subscriptionEnvelope(t, "space_membership.created", map[string]any{
		"spaceId": "s_1", "memberId": "m_1",
	}))
	if result.Status != StatusSucceeded {
		t.Fatalf("sweep failures must not fail the event, got %s (%s)", result.Status, result.ErrorMessage)
	}

	for _, spaceID := range []string{"s_2", "s_4"} {
		segmentID, _ := te.segments.Get(context.Background(), "net_1", spaceID)
		if segmentID == "" {
			t.Fatalf("expected sweep to create tag for %s", spaceID)
		}
		if !te.crm.hasTagMember(segmentID, "ada@example.com") {
			t.Fatalf("expected sweep to add member to %s", spaceID)
		}
	}
	if te.crm.hasTagMember(brokenTag.ID, "ada@example.com") {
		t.Fatalf("broken space must not have gained the member")
	}
}

func TestActivityForwarding(t *testing.T) {
	conn := configuredConnection()
	conn.SendEvents = true
	te := newTestEngine(t, conn)
	te.platform.members["actor_1"] = Member{ID: "actor_1", Name: "Ada Lovelace", Email: "ada@example.com"}

	raw := mustEnvelope(t, map[string]any{
		"type":      TypeSubscription,
		"networkId": "net_1",
		"data": map[string]any{
			"name":             "post.published",
			"shortDescription": "Published a post",
			"time":             "2026-08-01T10:30:00Z",
			"actor":            map[string]any{"id": "actor_1"},
			"object": map[string]any{
				"id":        "p_1",
				"title":     "Hello",
				"createdAt": "2026-08-01T10:30:00Z",
			},
		},
	})

	result := te.engine.HandleEvent(context.Background(), raw)
	if result.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", result.Status, result.ErrorMessage)
	}
	events := te.crm.timeline["ada@example.com"]
	if len(events) != 1 {
		t.Fatalf("expected one timeline event, got %d", len(events))
	}
	if events[0].Name != "Published a post" {
		t.Fatalf("timeline event name should be the short description, got %q", events[0].Name)
	}
	if events[0].Properties["title"] != "Hello" {
		t.Fatalf("expected projected title property, got %v", events[0].Properties)
	}
	if events[0].Properties["createdAt"] != "2026-08-01T10:30:00+00:00" {
		t.Fatalf("expected reformatted timestamp, got %q", events[0].Properties["createdAt"])
	}
}

func TestActivityNotAllowListedIsSkipped(t *testing.T) {
	conn := configuredConnection()
	conn.SendEvents = true
	te := newTestEngine(t, conn)
	te.platform.members["actor_1"] = Member{ID: "actor_1", Email: "ada@example.com"}

	raw := mustEnvelope(t, map[string]any{
		"type":      TypeSubscription,
		"networkId": "net_1",
		"data": map[string]any{
			"name":             "post.deleted",
			"shortDescription": "Deleted a post",
			"actor":            map[string]any{"id": "actor_1"},
		},
	})

	result := te.engine.HandleEvent(context.Background(), raw)
	if result.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", result.Status)
	}
	if len(te.crm.timeline["ada@example.com"]) != 0 {
		t.Fatalf("non-allow-listed activity must not be forwarded")
	}
}

func TestActivityNotForwardedWhenSendEventsOff(t *testing.T) {
	te := newTestEngine(t, configuredConnection())
	te.platform.members["actor_1"] = Member{ID: "actor_1", Email: "ada@example.com"}

	raw := mustEnvelope(t, map[string]any{
		"type":      TypeSubscription,
		"networkId": "net_1",
		"data": map[string]any{
			"name":             "post.published",
			"shortDescription": "Published a post",
			"actor":            map[string]any{"id": "actor_1"},
		},
	})

	result := te.engine.HandleEvent(context.Background(), raw)
	if result.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", result.Status)
	}
	if len(te.crm.timeline["ada@example.com"]) != 0 {
		t.Fatalf("sendEvents=false must suppress forwarding")
	}
}

func TestUninstallCascades(t *testing.T) {
	te := newTestEngine(t, configuredConnection())
	if err := te.segments.Put(context.Background(), "net_1", "s_1", "tag_1"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	raw := mustEnvelope(t, map[string]any{
		"type":      TypeAppUninstalled,
		"networkId": "net_1",
		"data":      map[string]any{},
	})

	for i := 0; i < 2; i++ {
		result := te.engine.HandleEvent(context.Background(), raw)
		if result.Status != StatusSucceeded {
			t.Fatalf("delivery %d: expected SUCCEEDED, got %s", i, result.Status)
		}
	}

	conn, err := te.connections.Get(context.Background(), "net_1")
	if err != nil || conn != nil {
		t.Fatalf("expected connection removed, got %v err=%v", conn, err)
	}
	segmentID, _ := te.segments.Get(context.Background(), "net_1", "s_1")
	if segmentID != "" {
		t.Fatalf("expected segment cache cleared, got %q", segmentID)
	}
}

func TestSubscriptionFailureReportsFailed(t *testing.T) {
	te := newTestEngine(t, configuredConnection())
	// Membership event whose member lookup fails: the platform knows no m_1.
	result := te.engine.HandleEvent(context.Background(), subscriptionEnvelope(t, "space_membership.created", map[string]any{
		"spaceId": "s_1", "memberId": "m_1",
	}))
	if result.Status != StatusFailed {
		t.Fatalf("expected FAILED so the sender redelivers, got %s", result.Status)
	}
}

func TestHandleEventNeverPanics(t *testing.T) {
	engine := NewEngine(Options{
		Connections: NewInMemoryConnectionStore(),
		// No platform client: a membership event dereferences it.
		CRMFactory: func(*Connection) CRMClient { return newFakeCRM() },
	})
	if err := engine.connections.Upsert(context.Background(), configuredConnection()); err != nil {
		t.Fatalf("seed connection: %v", err)
	}

	result := engine.HandleEvent(context.Background(), subscriptionEnvelope(t, "space_membership.created", map[string]any{
		"spaceId": "s_1", "memberId": "m_1",
	}))
	if result.Status != StatusFailed {
		t.Fatalf("expected panic converted to FAILED, got %s", result.Status)
	}
}

func TestOutcomeFeedRecordsEveryEvent(t *testing.T) {
	te := newTestEngine(t, nil)

	te.engine.HandleEvent(context.Background(), mustEnvelope(t, map[string]any{
		"type": TypeTest,
		"data": map[string]any{"challenge": "x"},
	}))
	te.engine.HandleEvent(context.Background(), []byte(`broken`))

	outcomes := te.engine.Feed().Recent(0)
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Status != StatusSucceeded || outcomes[1].Status != StatusFailed {
		t.Fatalf("unexpected outcome statuses: %+v", outcomes)
	}
}

func TestUnhandledTypeViaParse(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"type":"NOPE"}`)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown type, got %v", err)
	}
}
