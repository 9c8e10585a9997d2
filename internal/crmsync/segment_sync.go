package crmsync

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

func tagName(conn *Connection, spaceName string) string {
	return strings.TrimSpace(conn.SegmentPrefix + " " + spaceName)
}

// resolveSegment reads the cache hint for (network, space) and confirms the
// tag still exists on the CRM side. A cached id the CRM rejects as not-found
// is stale, never fatal: the entry is discarded and the caller falls through
// to creation, which rewrites the cache. This is what makes the whole
// resolve step idempotent under cache loss and CRM-side deletion.
func (e *Engine) resolveSegment(ctx context.Context, crm CRMClient, networkID, spaceID string) (Tag, bool, error) {
	segmentID, err := e.segments.Get(ctx, networkID, spaceID)
	if err != nil {
		return Tag{}, false, err
	}
	if segmentID == "" {
		return Tag{}, false, nil
	}
	tag, err := crm.GetTag(ctx, segmentID)
	if errors.Is(err, ErrNotFound) {
		e.metrics.observeSegmentRepair()
		e.logger.Info("cached segment no longer exists on CRM side, repairing",
			zap.String("networkId", networkID),
			zap.String("spaceId", spaceID),
			zap.String("segmentId", segmentID))
		return Tag{}, false, nil
	}
	if err != nil {
		return Tag{}, false, err
	}
	return tag, true, nil
}

// createSegment creates the CRM tag and records the id with a last-writer-
// wins cache put. Two concurrent creations for the same space each succeed;
// the race costs at most a duplicate CRM tag, and the cache settles on one
// valid id.
func (e *Engine) createSegment(ctx context.Context, crm CRMClient, conn *Connection, spaceID, spaceName string) (Tag, error) {
	tag, err := crm.CreateTag(ctx, tagName(conn, spaceName))
	if err != nil {
		return Tag{}, err
	}
	if err := e.segments.Put(ctx, conn.NetworkID, spaceID, tag.ID); err != nil {
		return Tag{}, err
	}
	return tag, nil
}

// syncSpace handles space.created / space.updated: create the tag when none
// exists, rename it when the space name moved on.
func (e *Engine) syncSpace(ctx context.Context, crm CRMClient, conn *Connection, space Space) error {
	if strings.TrimSpace(space.ID) == "" {
		e.logger.Info("space event without id, dropping", zap.String("networkId", conn.NetworkID))
		return nil
	}
	tag, found, err := e.resolveSegment(ctx, crm, conn.NetworkID, space.ID)
	if err != nil {
		return err
	}
	if !found {
		_, err := e.createSegment(ctx, crm, conn, space.ID, space.Name)
		return err
	}
	if want := tagName(conn, space.Name); tag.Name != want {
		return crm.RenameTag(ctx, tag.ID, want)
	}
	return nil
}

// segmentForMembership resolves the tag for a membership event, creating it
// on demand from the space's current platform name when unknown. Returns
// found=false when no tag exists and none can be created (no resolvable
// space name), in which case the membership event is dropped.
func (e *Engine) segmentForMembership(ctx context.Context, crm CRMClient, conn *Connection, spaceID string) (Tag, bool, error) {
	tag, found, err := e.resolveSegment(ctx, crm, conn.NetworkID, spaceID)
	if err != nil || found {
		return tag, found, err
	}
	space, err := e.platform.Space(ctx, spaceID)
	if err != nil {
		return Tag{}, false, err
	}
	if strings.TrimSpace(space.Name) == "" {
		return Tag{}, false, nil
	}
	tag, err = e.createSegment(ctx, crm, conn, spaceID, space.Name)
	if err != nil {
		return Tag{}, false, err
	}
	return tag, true, nil
}

type membershipObject struct {
	SpaceID  string `json:"spaceId"`
	MemberID string `json:"memberId"`
}

// syncMembership handles space_membership.created / space_membership.deleted.
// Creation resolves or creates the tag and the contact before adding the
// member; deletion never creates anything — removing a member from a tag
// that does not exist is a no-op.
func (e *Engine) syncMembership(ctx context.Context, crm CRMClient, conn *Connection, eventName string, obj membershipObject) error {
	removing := eventName == "space_membership.deleted"

	var (
		tag   Tag
		found bool
		err   error
	)
	if removing {
		tag, found, err = e.resolveSegment(ctx, crm, conn.NetworkID, obj.SpaceID)
	} else {
		tag, found, err = e.segmentForMembership(ctx, crm, conn, obj.SpaceID)
	}
	if err != nil {
		return err
	}

	member, err := e.platform.Member(ctx, obj.MemberID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(member.Email) == "" {
		e.logger.Info("membership event for member without email, dropping",
			zap.String("networkId", conn.NetworkID),
			zap.String("memberId", obj.MemberID))
		return nil
	}

	switch {
	case removing && !found:
		e.logger.Info("membership removal for space with no tag, nothing to do",
			zap.String("networkId", conn.NetworkID),
			zap.String("spaceId", obj.SpaceID))
	case removing:
		if err := crm.RemoveTagMembers(ctx, tag.ID, []string{member.Email}); err != nil {
			return err
		}
	case !found:
		e.logger.Info("membership event for space with no resolvable name, dropping",
			zap.String("networkId", conn.NetworkID),
			zap.String("spaceId", obj.SpaceID))
	default:
		if _, err := e.ensureContact(ctx, crm, Contact{Email: member.Email, Name: member.Name}); err != nil {
			return err
		}
		if err := crm.AddTagMembers(ctx, tag.ID, []string{member.Email}); err != nil {
			return err
		}
	}

	e.sweepMemberSpaces(ctx, crm, conn, obj.MemberID, member.Email)
	return nil
}

// sweepMemberSpaces opportunistically repairs tags and membership for a
// bounded page of the member's other spaces, so the CRM converges even when
// an earlier event for one of those spaces was lost. Each space fails in
// isolation: the sweep never aborts, and never fails the triggering event.
func (e *Engine) sweepMemberSpaces(ctx context.Context, crm CRMClient, conn *Connection, memberID, email string) {
	spaces, err := e.platform.MemberSpaces(ctx, memberID, e.sweepPageSize)
	if err != nil {
		e.metrics.observeSweepFailure()
		e.logger.Warn("membership sweep could not list member spaces",
			zap.String("networkId", conn.NetworkID),
			zap.String("memberId", memberID),
			zap.Error(err))
		return
	}
	for _, space := range spaces {
		if err := e.sweepSpace(ctx, crm, conn, space, email); err != nil {
			e.metrics.observeSweepFailure()
			e.logger.Warn("membership sweep failed for space",
				zap.String("networkId", conn.NetworkID),
				zap.String("spaceId", space.ID),
				zap.Error(err))
		}
	}
}

func (e *Engine) sweepSpace(ctx context.Context, crm CRMClient, conn *Connection, space Space, email string) error {
	if strings.TrimSpace(space.ID) == "" {
		return nil
	}
	tag, found, err := e.resolveSegment(ctx, crm, conn.NetworkID, space.ID)
	if err != nil {
		return err
	}
	if !found {
		if strings.TrimSpace(space.Name) == "" {
			return nil
		}
		tag, err = e.createSegment(ctx, crm, conn, space.ID, space.Name)
		if err != nil {
			return err
		}
	}
	return crm.AddTagMembers(ctx, tag.ID, []string{email})
}
