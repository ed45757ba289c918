package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/hiboss-dev/hiboss/internal/store"
)

// maxDownloadBytes caps inbound attachment downloads (Telegram bot API
// itself stops at 20 MB).
const maxDownloadBytes = 20 * 1024 * 1024

// downloadAttachments saves the message's photo/document payloads under
// the attachments dir and returns them as envelope attachments.
func (c *Channel) downloadAttachments(ctx context.Context, msg *telego.Message) ([]store.Attachment, error) {
	var atts []store.Attachment

	if len(msg.Photo) > 0 {
		// Photos arrive as a size ladder; take the largest.
		best := msg.Photo[len(msg.Photo)-1]
		path, err := c.downloadFile(ctx, best.FileID)
		if err != nil {
			return atts, err
		}
		atts = append(atts, store.Attachment{Source: path, Filename: filepath.Base(path)})
	}

	if msg.Document != nil {
		path, err := c.downloadFile(ctx, msg.Document.FileID)
		if err != nil {
			return atts, err
		}
		name := msg.Document.FileName
		if name == "" {
			name = filepath.Base(path)
		}
		atts = append(atts, store.Attachment{Source: path, Filename: name})
	}

	return atts, nil
}

// downloadFile fetches one file by file_id into the attachments dir and
// returns its local path.
func (c *Channel) downloadFile(ctx context.Context, fileID string) (string, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxDownloadBytes {
		return "", fmt.Errorf("file too large: %d bytes", file.FileSize)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(c.attachmentsDir, 0o700); err != nil {
		return "", fmt.Errorf("create attachments dir: %w", err)
	}
	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	out, err := os.CreateTemp(c.attachmentsDir, "tg_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create attachment file: %w", err)
	}
	defer out.Close()

	written, err := io.Copy(out, io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("save attachment: %w", err)
	}
	if written > maxDownloadBytes {
		os.Remove(out.Name())
		return "", fmt.Errorf("attachment exceeds max size")
	}
	return out.Name(), nil
}

// attachmentFile opens an outbound attachment as a telego input file.
func attachmentFile(att store.Attachment) (telego.InputFile, error) {
	f, err := os.Open(att.Source)
	if err != nil {
		return telego.InputFile{}, fmt.Errorf("open attachment %s: %w", att.Source, err)
	}
	name := att.Filename
	if name == "" {
		name = filepath.Base(att.Source)
	}
	return tu.File(tu.NameReader(f, name)), nil
}
