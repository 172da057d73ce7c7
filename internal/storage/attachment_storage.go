package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
)

const sniffLen = 512

var (
	ErrUnsupportedType = apperror.New(apperror.ErrCodeValidation, "неподдерживаемый тип файла: разрешены изображения, документы, аудио и видео")
	ErrEmptyFile       = apperror.New(apperror.ErrCodeValidation, "файл не может быть пустым")
	ErrTooLarge        = apperror.New(apperror.ErrCodeValidation, "размер файла превышает лимит")
)

// AttachmentStorage хранит вложения чатов и доказательства споров на диске.
type AttachmentStorage struct {
	rootPath       string
	publicPrefix   string
	maxUploadBytes int64
}

// NewAttachmentStorage создаёт файловое хранилище.
func NewAttachmentStorage(rootPath, publicPrefix string, maxUploadMB int64) (*AttachmentStorage, error) {
	if err := os.MkdirAll(rootPath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: не удалось создать каталог %s: %w", rootPath, err)
	}
	if maxUploadMB <= 0 {
		maxUploadMB = 10
	}

	return &AttachmentStorage{
		rootPath:       rootPath,
		publicPrefix:   strings.TrimRight(publicPrefix, "/"),
		maxUploadBytes: maxUploadMB * 1024 * 1024,
	}, nil
}

// Classify определяет вид вложения по магическим байтам.
func Classify(head []byte) (attachmentType, mime, ext string, err error) {
	kind, matchErr := filetype.Match(head)
	if matchErr != nil || kind == filetype.Unknown {
		return "", "", "", ErrUnsupportedType
	}

	switch {
	case filetype.IsImage(head):
		attachmentType = models.AttachmentTypeImage
	case filetype.IsVideo(head):
		attachmentType = models.AttachmentTypeVideo
	case filetype.IsAudio(head):
		attachmentType = models.AttachmentTypeAudio
	case filetype.IsDocument(head), kind.MIME.Value == "application/pdf":
		attachmentType = models.AttachmentTypeDocument
	default:
		return "", "", "", ErrUnsupportedType
	}
	return attachmentType, kind.MIME.Value, "." + kind.Extension, nil
}

// Save проверяет тип, сохраняет файл и возвращает описание вложения.
func (s *AttachmentStorage) Save(ctx context.Context, ownerID uuid.UUID, originalName string, r io.Reader) (*models.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("storage: ошибка чтения файла: %w", err)
	}
	if n == 0 {
		return nil, ErrEmptyFile
	}
	head = head[:n]

	attachmentType, mime, ext, err := Classify(head)
	if err != nil {
		return nil, err
	}

	fileName := fmt.Sprintf("%s_%d%s", uuid.NewString(), time.Now().UnixNano(), ext)
	ownerDir := filepath.Join(s.rootPath, ownerID.String())
	if err := os.MkdirAll(ownerDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: не удалось создать каталог пользователя: %w", err)
	}

	targetPath := filepath.Join(ownerDir, fileName)
	tempPath := targetPath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("storage: не удалось создать файл: %w", err)
	}
	defer f.Close()

	limited := io.LimitedReader{R: io.MultiReader(bytes.NewReader(head), r), N: s.maxUploadBytes + 1}
	written, err := io.Copy(f, &limited)
	if err != nil {
		_ = os.Remove(tempPath)
		return nil, fmt.Errorf("storage: ошибка записи файла: %w", err)
	}
	if written > s.maxUploadBytes {
		_ = os.Remove(tempPath)
		return nil, ErrTooLarge
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return nil, fmt.Errorf("storage: ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tempPath, targetPath); err != nil {
		return nil, fmt.Errorf("storage: не удалось переименовать файл: %w", err)
	}

	return &models.Attachment{
		URL:  s.publicPrefix + "/" + path.Join(ownerID.String(), fileName),
		Name: sanitizeFilename(originalName),
		Type: attachmentType,
		MIME: mime,
		Size: written,
	}, nil
}

// Delete удаляет файл по публичному URL вложения.
func (s *AttachmentStorage) Delete(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	relative := strings.TrimPrefix(strings.TrimPrefix(url, s.publicPrefix), "/")
	clean := filepath.Clean(filepath.FromSlash(relative))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return apperror.New(apperror.ErrCodeValidation, "некорректный путь файла")
	}

	if err := os.Remove(filepath.Join(s.rootPath, clean)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: не удалось удалить файл: %w", err)
	}
	return nil
}

// sanitizeFilename удаляет потенциально опасные символы.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "" || name == "." {
		name = "file"
	}
	return name
}
