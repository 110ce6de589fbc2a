package groups

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/meow-io/go-groupsync/clock"
	"github.com/meow-io/go-groupsync/ids"
	"github.com/meow-io/go-groupsync/taskqueue"
)

// SetName renames the group. With send set, an own group broadcasts the new name to its active members.
func (m *Manager) SetName(ctx context.Context, gi ids.GroupIdentity, name *string, date time.Time, send bool) (*Group, error) {
	var g *Group
	if err := m.db.Run(fmt.Sprintf("set name of %s", gi), func() error {
		var err error
		if g, err = m.loadGroup(gi); err != nil {
			return err
		}
		conv, err := m.db.conversationOrNil(gi.ID[:], string(gi.Creator))
		if err != nil {
			return err
		}
		if !sameName(conv.Name, name) {
			conv.Name = name
			if err := m.db.updateConversation(conv); err != nil {
				return err
			}
			if err := m.postSystemMessage(gi, SystemMessageRenamed, name, date); err != nil {
				return err
			}
			g.Name = name
		}
		if !send || !g.IsOwnGroup() {
			return nil
		}
		to := g.ActiveMembers()
		if len(to) == 0 {
			return nil
		}
		return m.queue.EnqueueTx(&taskqueue.Task{
			Type:  taskqueue.TypeGroupRename,
			Group: gi,
			From:  m.me,
			To:    to,
			Name:  name,
		})
	}); err != nil {
		return nil, err
	}
	return g, nil
}

// SetPhoto stores image as the group photo unless a later change is already persisted. With send set,
// an own group uploads and broadcasts the persisted photo. An upload failure leaves the local photo in place.
func (m *Manager) SetPhoto(ctx context.Context, gi ids.GroupIdentity, img []byte, sentDate time.Time, send bool) (*Group, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodingFailed, err)
	}

	var g *Group
	if err := m.db.Run(fmt.Sprintf("set photo of %s", gi), func() error {
		var err error
		if g, err = m.loadGroup(gi); err != nil {
			return err
		}
		conv, err := m.db.conversationOrNil(gi.ID[:], string(gi.Creator))
		if err != nil {
			return err
		}
		sentMs := clock.ToMs(sentDate)
		if conv.ImageSetAtMs != nil && *conv.ImageSetAtMs > sentMs {
			m.log.Warnf("discarding photo of %s set at %s, newer photo already set", gi, sentDate)
			return nil
		}
		conv.Image = img
		conv.ImageWidth = cfg.Width
		conv.ImageHeight = cfg.Height
		conv.ImageSetAtMs = &sentMs
		if err := m.db.updateConversation(conv); err != nil {
			return err
		}
		if err := m.postSystemMessage(gi, SystemMessagePhotoChanged, nil, sentDate); err != nil {
			return err
		}
		g.Photo = img
		g.PhotoSetAt = &sentDate
		return nil
	}); err != nil {
		return nil, err
	}

	if !send || !g.IsOwnGroup() || g.Photo == nil {
		return g, nil
	}
	if err := m.sendPhoto(ctx, g, g.ActiveMembers()); err != nil {
		return g, err
	}
	return g, nil
}

// DeletePhoto removes the group photo unless a later photo is already persisted.
func (m *Manager) DeletePhoto(ctx context.Context, gi ids.GroupIdentity, sentDate time.Time, send bool) (*Group, error) {
	var g *Group
	stale := false
	if err := m.db.Run(fmt.Sprintf("delete photo of %s", gi), func() error {
		var err error
		if g, err = m.loadGroup(gi); err != nil {
			return err
		}
		conv, err := m.db.conversationOrNil(gi.ID[:], string(gi.Creator))
		if err != nil {
			return err
		}
		sentMs := clock.ToMs(sentDate)
		if conv.ImageSetAtMs != nil && *conv.ImageSetAtMs > sentMs {
			m.log.Warnf("discarding photo deletion of %s at %s, newer photo already set", gi, sentDate)
			stale = true
			return nil
		}
		if conv.Image != nil {
			conv.Image = nil
			conv.ImageWidth = 0
			conv.ImageHeight = 0
			conv.ImageSetAtMs = &sentMs
			if err := m.db.updateConversation(conv); err != nil {
				return err
			}
			if err := m.postSystemMessage(gi, SystemMessagePhotoChanged, nil, sentDate); err != nil {
				return err
			}
			g.Photo = nil
			g.PhotoSetAt = &sentDate
		}
		if !send || !g.IsOwnGroup() {
			return nil
		}
		to := g.ActiveMembers()
		if len(to) == 0 {
			return nil
		}
		return m.queue.EnqueueTx(&taskqueue.Task{
			Type:  taskqueue.TypeGroupDeletePhoto,
			Group: gi,
			From:  m.me,
			To:    to,
		})
	}); err != nil {
		return nil, err
	}

	if stale && send && g.IsOwnGroup() && g.Photo != nil {
		if err := m.sendPhoto(ctx, g, g.ActiveMembers()); err != nil {
			return g, err
		}
	}
	return g, nil
}

// sendPhoto uploads the photo of g and enqueues it for to. It runs outside any transaction.
func (m *Manager) sendPhoto(ctx context.Context, g *Group, to []ids.Identity) error {
	if !g.IsOwnGroup() {
		return ErrNotCreator
	}
	if g.Photo == nil {
		return ErrGroupNotFound
	}
	upload, err := m.uploader.Upload(ctx, g.Photo, g.IsNoteGroup())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPhotoUploadFailed, err)
	}
	if upload == nil || len(upload.BlobID) == 0 || len(upload.Key) == 0 {
		return ErrBlobIDOrKeyMissing
	}
	if len(to) == 0 {
		return nil
	}
	return m.queue.Enqueue(&taskqueue.Task{
		Type:    taskqueue.TypeGroupSetPhoto,
		Group:   g.Identity,
		From:    m.me,
		To:      to,
		BlobID:  upload.BlobID,
		BlobKey: upload.Key,
		Size:    upload.Size,
	})
}

func sameName(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
