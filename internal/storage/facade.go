package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/freedkr/docgather/internal/model"
)

// FileRecorder is the persistence-facade slice the storage facade needs to
// upsert DocumentFile rows on upload. Implemented by internal/database to
// avoid storage depending on the database package directly.
type FileRecorder interface {
	UpsertDocumentFile(ctx context.Context, file *model.DocumentFile) error
	GetDocumentFile(ctx context.Context, documentID string, role model.FileRole) (*model.DocumentFile, error)
}

// Facade is the storage surface the engine consumes:
// Download(documentId, role) and Upload(documentId, role, bytes, mime).
// All at-rest encryption happens behind it.
type Facade struct {
	objects *MinIOStorage
	vault   *Vault
	files   FileRecorder
}

// NewFacade wires the low-level MinIO client, the envelope-encryption vault
// and the persistence facade's file-record upserter into one storage facade.
func NewFacade(objects *MinIOStorage, vault *Vault, files FileRecorder) *Facade {
	return &Facade{objects: objects, vault: vault, files: files}
}

func objectKey(documentID string, role model.FileRole) string {
	return fmt.Sprintf("documents/%s/%s.bin", documentID, role)
}

// Download fetches and decrypts the bytes stored for (documentId, role).
func (f *Facade) Download(ctx context.Context, documentID string, role model.FileRole) ([]byte, error) {
	file, err := f.files.GetDocumentFile(ctx, documentID, role)
	if err != nil {
		return nil, fmt.Errorf("查询文件记录失败: %w", err)
	}
	if file == nil {
		return nil, model.NewFileError(model.ErrCodeFileNotFound, objectKey(documentID, role), "download", "文件记录不存在", nil)
	}

	reader, err := f.objects.DownloadFile(ctx, file.StoragePath)
	if err != nil {
		return nil, model.NewFileError(model.ErrCodeFileReadError, file.StoragePath, "download", "对象存储下载失败", err)
	}
	defer reader.Close()

	ciphertext, err := io.ReadAll(reader)
	if err != nil {
		return nil, model.NewFileError(model.ErrCodeFileReadError, file.StoragePath, "read", "读取下载流失败", err)
	}

	dek, err := f.vault.DecryptDEK([]byte(file.EncryptedDEK), file.MasterKeyVersion)
	if err != nil {
		return nil, fmt.Errorf("解包DEK失败: %w", err)
	}
	plaintext, err := DecryptBytes(dek, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("解密文件内容失败: %w", err)
	}
	return plaintext, nil
}

// UploadResult reports where Upload landed the bytes and their hash.
type UploadResult struct {
	StoragePath string
	ContentHash string
}

// Upload encrypts bytes with a fresh per-file DEK, writes the ciphertext to
// object storage under a path addressed by (documentId, role), and upserts
// the DocumentFile row (append-only per role; a role update replaces bytes
// and record atomically).
func (f *Facade) Upload(ctx context.Context, documentID string, role model.FileRole, data []byte, mime string) (*UploadResult, error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, fmt.Errorf("生成DEK失败: %w", err)
	}
	ciphertext, err := EncryptBytes(dek, data)
	if err != nil {
		return nil, fmt.Errorf("加密文件内容失败: %w", err)
	}
	wrappedDEK, err := f.vault.EncryptDEK(dek, f.vault.CurrentVersion())
	if err != nil {
		return nil, fmt.Errorf("包装DEK失败: %w", err)
	}

	path := objectKey(documentID, role)
	if err := f.objects.UploadFile(ctx, path, bytes.NewReader(ciphertext), int64(len(ciphertext)), "application/octet-stream"); err != nil {
		return nil, model.NewFileError(model.ErrCodeFileWriteError, path, "upload", "对象存储上传失败", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	now := time.Now()
	file := &model.DocumentFile{
		DocumentID:       documentID,
		FileRole:         role,
		StoragePath:      path,
		MimeType:         mime,
		ByteSize:         int64(len(data)),
		ContentHash:      hash,
		EncryptedDEK:     string(wrappedDEK),
		MasterKeyVersion: f.vault.CurrentVersion(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := f.files.UpsertDocumentFile(ctx, file); err != nil {
		return nil, fmt.Errorf("写入文件记录失败: %w", err)
	}

	return &UploadResult{StoragePath: path, ContentHash: hash}, nil
}

// EncryptJSONB encrypts the aggregated results object for private storage
// under the given master key version, falling back to the vault's
// currently-configured version when masterKeyVersion is empty.
func (f *Facade) EncryptJSONB(data interface{}, masterKeyVersion string) ([]byte, error) {
	if masterKeyVersion == "" {
		masterKeyVersion = f.vault.CurrentVersion()
	}
	return f.vault.EncryptJSONB(data, masterKeyVersion)
}

// DecryptJSONB is the inverse of EncryptJSONB.
func (f *Facade) DecryptJSONB(ciphertext []byte, masterKeyVersion string, out interface{}) error {
	return f.vault.DecryptJSONB(ciphertext, masterKeyVersion, out)
}

// CurrentMasterKeyVersion exposes the vault's active version for callers
// that need to choose between an existing private-row version and the
// current one.
func (f *Facade) CurrentMasterKeyVersion() string {
	return f.vault.CurrentVersion()
}
