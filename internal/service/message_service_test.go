package service

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"lectern/internal/featureflags"
	"lectern/internal/models"
	"lectern/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_ValidatesContent(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedUsers(t, threeUsers)
	ctx := context.Background()
	conv, err := env.conversations.CreateDirect(ctx, "ana", "ben")
	require.NoError(t, err)

	tests := []struct {
		name    string
		kind    models.MessageKind
		content string
	}{
		{"empty text", models.KindText, `{"text":"   "}`},
		{"missing content", models.KindText, ``},
		{"unknown kind", "STICKER", `{"text":"hi"}`},
		{"media without url", models.KindImage, `{"name":"a.png"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.messages.Send(ctx, SendMessageInput{
				ConversationID: conv.ID, SenderID: "ana", Kind: tt.kind, Content: json.RawMessage(tt.content),
			})
			assertCode(t, err, models.CodeValidation)
		})
	}

	view, err := env.messages.Send(ctx, SendMessageInput{
		ConversationID: conv.ID, SenderID: "ana", Content: json.RawMessage(`"  plain string  "`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.KindText, view.Kind)
	assert.JSONEq(t, `{"text":"plain string"}`, string(view.Content))
}

func TestSend_NonMemberAndBlocked(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedUsers(t, threeUsers)
	ctx := context.Background()
	conv, err := env.conversations.CreateDirect(ctx, "ana", "ben")
	require.NoError(t, err)

	_, err = env.messages.Send(ctx, SendMessageInput{ConversationID: conv.ID, SenderID: "cy", Content: json.RawMessage(`"hi"`)})
	assertCode(t, err, models.CodeForbiddenNotMember)

	require.NoError(t, env.blocks.Block(ctx, "ben", "ana"))
	for _, sender := range []string{"ana", "ben"} {
		_, err = env.messages.Send(ctx, SendMessageInput{ConversationID: conv.ID, SenderID: sender, Content: json.RawMessage(`"hi"`)})
		assertCode(t, err, models.CodeForbiddenBlocked)
	}

	require.NoError(t, env.blocks.Unblock(ctx, "ben", "ana"))
	env.sendText(t, conv.ID, "ana", "hello again")
}

func TestList_PaginationSurvivesDeletion(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedUsers(t, threeUsers)
	ctx := context.Background()
	conv, err := env.conversations.CreateDirect(ctx, "ana", "ben")
	require.NoError(t, err)

	var sent []string
	for _, text := range []string{"m1", "m2", "m3", "m4", "m5"} {
		sent = append(sent, env.sendText(t, conv.ID, "ana", text).ID)
	}

	page, err := env.messages.List(ctx, conv.ID, "ben", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, sent[1], *page.NextCursor)

	// Deleting the cursor message does not disturb the next page.
	_, changed, err := env.messages.Delete(ctx, sent[1], "ana")
	require.NoError(t, err)
	require.True(t, changed)

	next, err := env.messages.List(ctx, conv.ID, "ben", *page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, next.Items, 2)
	assert.Equal(t, sent[2], next.Items[0].ID)
	assert.Equal(t, sent[3], next.Items[1].ID)

	last, err := env.messages.List(ctx, conv.ID, "ben", *next.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, last.Items, 1)
	assert.Nil(t, last.NextCursor)

	// The tombstone stays in the log with its content stripped.
	all, err := env.messages.List(ctx, conv.ID, "ben", "", 0)
	require.NoError(t, err)
	require.Len(t, all.Items, 5)
	assert.NotNil(t, all.Items[1].DeletedAt)
	assert.JSONEq(t, `{}`, string(all.Items[1].Content))

	_, err = env.messages.List(ctx, conv.ID, "ben", "nope", 2)
	assertCode(t, err, models.CodeValidation)
}

func TestDelete_Permissions(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedUsers(t, threeUsers)
	ctx := context.Background()
	group, err := env.conversations.CreateGroup(ctx, CreateGroupInput{CreatorID: "ana", Title: "Lab", MemberIDs: []string{"ben", "cy"}})
	require.NoError(t, err)

	fromBen := env.sendText(t, group.ID, "ben", "oops")

	_, _, err = env.messages.Delete(ctx, fromBen.ID, "cy")
	assertCode(t, err, models.CodeForbiddenNotAdmin)

	_, changed, err := env.messages.Delete(ctx, fromBen.ID, "ana")
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = env.messages.Delete(ctx, fromBen.ID, "ben")
	require.NoError(t, err)
	assert.False(t, changed)

	msg, changed, err := env.messages.Delete(ctx, "missing", "ben")
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.False(t, changed)

	// Deleted messages no longer count as unread.
	unread, err := env.conversations.UnreadFor(ctx, group.ID, "cy")
	require.NoError(t, err)
	assert.EqualValues(t, 0, unread.Unread)
}

func TestSearchAndReport(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedUsers(t, threeUsers)
	ctx := context.Background()
	dm, err := env.conversations.CreateDirect(ctx, "ana", "ben")
	require.NoError(t, err)
	other, err := env.conversations.CreateDirect(ctx, "ana", "cy")
	require.NoError(t, err)

	hit := env.sendText(t, dm.ID, "ana", "The Quiz is on Friday")
	env.sendText(t, other.ID, "ana", "quiz answers for cy")

	results, err := env.messages.Search(ctx, SearchInput{UserID: "ben", Query: "QUIZ"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, hit.ID, results[0].ID)

	results, err = env.messages.Search(ctx, SearchInput{UserID: "ana", Query: "quiz"})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	_, err = env.messages.Search(ctx, SearchInput{UserID: "ben", Query: "quiz", ConversationID: other.ID})
	assertCode(t, err, models.CodeForbiddenNotMember)

	_, err = env.messages.Search(ctx, SearchInput{UserID: "ben", Query: "  "})
	assertCode(t, err, models.CodeValidation)

	report, err := env.messages.Report(ctx, hit.ID, "ben", "")
	require.NoError(t, err)
	assert.Equal(t, "No reason provided", report.Reason)

	_, err = env.messages.Report(ctx, hit.ID, "cy", "spam")
	assertCode(t, err, models.CodeForbiddenNotMember)

	_, err = env.messages.Report(ctx, "missing", "ben", "spam")
	assertCode(t, err, models.CodeNotFound)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSend_AttachmentWithThumbnail(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir(), "/uploads")
	require.NoError(t, err)
	env := newTestEnv(t, store, featureflags.NewManager("image_thumbnails=on"))
	env.seedUsers(t, threeUsers)
	ctx := context.Background()
	conv, err := env.conversations.CreateDirect(ctx, "ana", "ben")
	require.NoError(t, err)

	view, err := env.messages.Send(ctx, SendMessageInput{
		ConversationID: conv.ID,
		SenderID:       "ana",
		File:           &Attachment{Name: "../Lab Photo.png", MIME: "image/png", Data: pngBytes(t, 800, 400)},
	})
	require.NoError(t, err)
	assert.Equal(t, models.KindImage, view.Kind)

	var media models.MediaContent
	require.NoError(t, json.Unmarshal(view.Content, &media))
	assert.Equal(t, "Lab_Photo.png", media.Name)
	assert.Equal(t, "image/png", media.MIME)
	assert.Contains(t, media.URL, "/uploads/messages/"+conv.ID+"/"+view.ID+"/Lab_Photo.png")
	assert.Contains(t, media.ThumbnailURL, "thumb.webp")

	_, err = os.Stat(filepath.Join(store.Root(), "messages", conv.ID, view.ID, "thumb.webp"))
	assert.NoError(t, err)

	media2, err := env.messages.ListMedia(ctx, conv.ID, "ben", "", 0)
	require.NoError(t, err)
	assert.Len(t, media2.Items, 1)
	files, err := env.messages.ListFiles(ctx, conv.ID, "ben", "", 0)
	require.NoError(t, err)
	assert.Empty(t, files.Items)
}

func TestSend_AttachmentRules(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir(), "/uploads")
	require.NoError(t, err)
	env := newTestEnv(t, store, nil)
	env.seedUsers(t, threeUsers)
	ctx := context.Background()
	conv, err := env.conversations.CreateDirect(ctx, "ana", "ben")
	require.NoError(t, err)

	_, err = env.messages.Send(ctx, SendMessageInput{
		ConversationID: conv.ID, SenderID: "ana", Kind: models.KindText,
		File: &Attachment{Name: "a.txt", MIME: "text/plain", Data: []byte("x")},
	})
	assertCode(t, err, models.CodeValidation)

	_, err = env.messages.Send(ctx, SendMessageInput{
		ConversationID: conv.ID, SenderID: "ana",
		File: &Attachment{Name: "big.bin", MIME: "application/octet-stream", Data: make([]byte, 2<<20)},
	})
	assertCode(t, err, models.CodeValidation)

	view, err := env.messages.Send(ctx, SendMessageInput{
		ConversationID: conv.ID, SenderID: "ana",
		File: &Attachment{Name: "notes.pdf", MIME: "application/pdf", Data: []byte("%PDF-1.4")},
	})
	require.NoError(t, err)
	assert.Equal(t, models.KindFile, view.Kind)

	noStore := newTestEnv(t, nil, nil)
	noStore.seedUsers(t, threeUsers)
	dm, err := noStore.conversations.CreateDirect(ctx, "ana", "ben")
	require.NoError(t, err)
	_, err = noStore.messages.Send(ctx, SendMessageInput{
		ConversationID: dm.ID, SenderID: "ana",
		File: &Attachment{Name: "notes.pdf", MIME: "application/pdf", Data: []byte("%PDF")},
	})
	assertCode(t, err, models.CodeUnavailable)
}

func TestSend_RemovesUploadWhenInsertFails(t *testing.T) {
	root := t.TempDir()
	store, err := storage.NewLocalStorage(root, "/uploads")
	require.NoError(t, err)
	env := newTestEnv(t, store, nil)
	env.seedUsers(t, threeUsers)
	ctx := context.Background()
	conv, err := env.conversations.CreateDirect(ctx, "ana", "ben")
	require.NoError(t, err)

	require.NoError(t, env.db.Migrator().DropTable(&models.Message{}))

	_, err = env.messages.Send(ctx, SendMessageInput{
		ConversationID: conv.ID, SenderID: "ana",
		File: &Attachment{Name: "notes.pdf", MIME: "application/pdf", Data: []byte("%PDF")},
	})
	assertCode(t, err, models.CodeInternal)

	var leftovers []string
	require.NoError(t, filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			leftovers = append(leftovers, p)
		}
		return err
	}))
	assert.Empty(t, leftovers)
}

func TestSafeFileName(t *testing.T) {
	tests := map[string]string{
		"report.pdf":          "report.pdf",
		"../../etc/passwd":    "passwd",
		`C:\Users\me\cv.docx`: "cv.docx",
		"my photo (1).jpg":    "my_photo_1.jpg",
		"...":                 "file",
		"":                    "file",
	}
	for in, want := range tests {
		assert.Equal(t, want, safeFileName(in), in)
	}
}
