package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/nbd-wtf/go-nostr"
	"github.com/zlnvch/veiltrade/groupcrypt"
	"github.com/zlnvch/veiltrade/identity"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/relay"
	"github.com/zlnvch/veiltrade/session"
	"github.com/zlnvch/veiltrade/whitelist"
)

// Group is a channel this session can read and write. Deal rooms are groups
// whose channel id is the deal id; they reuse the parent group's key and
// differ only by their whitelist.
type Group struct {
	ChannelId   string `json:"channelId"`
	AdminPubkey string `json:"adminPubkey"`
	ParentId    string `json:"parentId,omitempty"`
	key         groupcrypt.Key
}

type groupRecord struct {
	Secret      string `json:"secret"`
	AdminPubkey string `json:"adminPubkey"`
	ParentId    string `json:"parentId,omitempty"`
}

// CreateGroup makes a new group administered by the session identity. The
// returned secret is what members need to join; it is never published.
func (s *Service) CreateGroup(ctx context.Context, sessionId string) (Group, string, error) {
	sess, err := s.session(ctx, sessionId)
	if err != nil {
		return Group{}, "", err
	}
	secret, err := identity.NewRandomSecret()
	if err != nil {
		return Group{}, "", err
	}

	channelId := groupcrypt.DeriveChannelID(secret, s.KeyMode)
	if _, err := s.Whitelist.Save(ctx, []string{sess.Identity.PublicKey}, sess.Identity, s.Relays, channelId); err != nil {
		return Group{}, "", fmt.Errorf("publish group whitelist failed: %w", err)
	}

	group, err := s.storeGroup(ctx, sessionId, channelId, groupRecord{Secret: secret, AdminPubkey: sess.Identity.PublicKey})
	if err != nil {
		return Group{}, "", err
	}
	return group, secret, nil
}

func (s *Service) JoinGroup(ctx context.Context, sessionId string, secret string, adminPubkey string) (Group, error) {
	if err := requireSession(sessionId); err != nil {
		return Group{}, err
	}
	if secret == "" {
		return Group{}, fmt.Errorf("%w: empty group secret", models.ErrValidation)
	}
	admin, err := identity.CanonicalPubkey(adminPubkey)
	if err != nil {
		return Group{}, err
	}

	channelId := groupcrypt.DeriveChannelID(secret, s.KeyMode)
	return s.storeGroup(ctx, sessionId, channelId, groupRecord{Secret: secret, AdminPubkey: admin})
}

// joinRoom registers the deal room roomId under its parent group.
func (s *Service) joinRoom(ctx context.Context, sessionId string, parentId string, roomId string, adminPubkey string) (Group, error) {
	parent, err := s.loadGroupRecord(ctx, sessionId, parentId)
	if err != nil {
		return Group{}, err
	}
	return s.storeGroup(ctx, sessionId, roomId, groupRecord{Secret: parent.Secret, AdminPubkey: adminPubkey, ParentId: parentId})
}

func (s *Service) storeGroup(ctx context.Context, sessionId string, channelId string, record groupRecord) (Group, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return Group{}, err
	}
	if err := s.Secrets.Set(ctx, session.GroupsScope(sessionId), channelId, string(data)); err != nil {
		return Group{}, err
	}
	return s.groupFromRecord(channelId, record), nil
}

func (s *Service) groupFromRecord(channelId string, record groupRecord) Group {
	return Group{
		ChannelId:   channelId,
		AdminPubkey: record.AdminPubkey,
		ParentId:    record.ParentId,
		key:         groupcrypt.DeriveKey(record.Secret, s.KeyMode),
	}
}

func (s *Service) loadGroupRecord(ctx context.Context, sessionId string, channelId string) (groupRecord, error) {
	raw, err := s.Secrets.Get(ctx, session.GroupsScope(sessionId), channelId)
	if errors.Is(err, session.ErrSecretNotFound) {
		return groupRecord{}, ErrUnknownGroup
	}
	if err != nil {
		return groupRecord{}, err
	}
	var record groupRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return groupRecord{}, err
	}
	return record, nil
}

func (s *Service) group(ctx context.Context, sessionId string, channelId string) (Group, error) {
	record, err := s.loadGroupRecord(ctx, sessionId, channelId)
	if err != nil {
		return Group{}, err
	}
	return s.groupFromRecord(channelId, record), nil
}

func (s *Service) Groups(ctx context.Context, sessionId string) ([]Group, error) {
	records, err := s.Secrets.List(ctx, session.GroupsScope(sessionId))
	if err != nil {
		return nil, err
	}
	groups := make([]Group, 0, len(records))
	for channelId, raw := range records {
		var record groupRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			log.Printf("Skipping unreadable group record %s: %v", channelId, err)
			continue
		}
		groups = append(groups, s.groupFromRecord(channelId, record))
	}
	return groups, nil
}

func (s *Service) GroupWhitelist(ctx context.Context, sessionId string, channelId string) (*models.WhitelistRecord, error) {
	group, err := s.group(ctx, sessionId, channelId)
	if err != nil {
		return nil, err
	}
	return s.Whitelist.Load(ctx, s.Relays, group.AdminPubkey, channelId)
}

func (s *Service) AddGroupMembers(ctx context.Context, sessionId string, channelId string, pubkeys []string) (*models.WhitelistRecord, error) {
	sess, group, err := s.adminGroup(ctx, sessionId, channelId)
	if err != nil {
		return nil, err
	}
	return s.Whitelist.AddMembers(ctx, pubkeys, sess.Identity, s.Relays, group.ChannelId)
}

func (s *Service) RemoveGroupMembers(ctx context.Context, sessionId string, channelId string, pubkeys []string) (*models.WhitelistRecord, error) {
	sess, group, err := s.adminGroup(ctx, sessionId, channelId)
	if err != nil {
		return nil, err
	}
	return s.Whitelist.RemoveMembers(ctx, pubkeys, sess.Identity, s.Relays, group.ChannelId)
}

func (s *Service) adminGroup(ctx context.Context, sessionId string, channelId string) (Session, Group, error) {
	sess, err := s.session(ctx, sessionId)
	if err != nil {
		return Session{}, Group{}, err
	}
	group, err := s.group(ctx, sessionId, channelId)
	if err != nil {
		return Session{}, Group{}, err
	}
	if group.AdminPubkey != sess.Identity.PublicKey {
		return Session{}, Group{}, ErrNotAdmin
	}
	return sess, group, nil
}

// PostGroupMessage encrypts content with the group key and publishes it under
// the session identity. Posting requires membership.
func (s *Service) PostGroupMessage(ctx context.Context, sessionId string, channelId string, content string) (models.GroupMessage, error) {
	if err := ValidateMessage(content); err != nil {
		return models.GroupMessage{}, err
	}
	sess, err := s.session(ctx, sessionId)
	if err != nil {
		return models.GroupMessage{}, err
	}
	group, err := s.group(ctx, sessionId, channelId)
	if err != nil {
		return models.GroupMessage{}, err
	}

	record, err := s.Whitelist.Load(ctx, s.Relays, group.AdminPubkey, channelId)
	if err != nil {
		return models.GroupMessage{}, err
	}
	if !whitelist.IsAllowed(sess.Identity.PublicKey, record) {
		return models.GroupMessage{}, ErrNotMember
	}

	ciphertext, err := groupcrypt.EncryptString(content, group.key)
	if err != nil {
		return models.GroupMessage{}, err
	}
	ev := nostr.Event{
		Kind:      models.KindGroupMessage,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"h", channelId}},
		Content:   ciphertext,
	}
	if err := sess.Identity.Sign(&ev); err != nil {
		return models.GroupMessage{}, err
	}
	if _, err := s.Relay.Publish(ctx, ev, s.Relays); err != nil {
		return models.GroupMessage{}, err
	}

	return models.GroupMessage{
		Id:        ev.ID,
		ChannelId: channelId,
		Author:    ev.PubKey,
		Content:   content,
		CreatedAt: int64(ev.CreatedAt),
	}, nil
}

// FetchGroupMessages returns the readable messages of a channel, newest
// first. Messages that fail to decrypt or whose author is not whitelisted are
// counted in skipped.
func (s *Service) FetchGroupMessages(ctx context.Context, sessionId string, channelId string, limit int) ([]models.GroupMessage, int, error) {
	group, err := s.group(ctx, sessionId, channelId)
	if err != nil {
		return nil, 0, err
	}
	record, err := s.Whitelist.Load(ctx, s.Relays, group.AdminPubkey, channelId)
	if err != nil {
		return nil, 0, err
	}

	events, err := s.Relay.Query(ctx, s.Relays, nostr.Filter{
		Kinds: []int{models.KindGroupMessage},
		Tags:  nostr.TagMap{"h": []string{channelId}},
		Limit: limit,
	})
	if err != nil {
		return nil, 0, err
	}

	messages := make([]models.GroupMessage, 0, len(events))
	skipped := 0
	for _, ev := range relay.Dedupe(events) {
		if _, err := models.ParseEvent(ev); err != nil || !whitelist.IsAllowed(ev.PubKey, record) {
			skipped++
			continue
		}
		content, err := groupcrypt.DecryptString(ev.Content, group.key)
		if err != nil {
			skipped++
			continue
		}
		messages = append(messages, models.GroupMessage{
			Id:        ev.ID,
			ChannelId: channelId,
			Author:    ev.PubKey,
			Content:   content,
			CreatedAt: int64(ev.CreatedAt),
		})
	}
	return messages, skipped, nil
}
