package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/freedkr/docgather/internal/config"
)

// Vault 提供 EncryptJSONB/EncryptDEK/GetVaultSecret 一组密钥操作：
// 单一版本化主密钥之上的AES-256-GCM信封加密。
type Vault struct {
	masterKeyVersion string
	masterKey        []byte
}

// NewVault 从配置读取当前主密钥版本与原始密钥
func NewVault(cfg *config.StorageConfig) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("主密钥解码失败: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("主密钥长度必须为32字节(AES-256)，实际%d字节", len(key))
	}
	return &Vault{masterKeyVersion: cfg.MasterKeyVersion, masterKey: key}, nil
}

// CurrentVersion 返回当前vault主密钥版本
func (v *Vault) CurrentVersion() string {
	return v.masterKeyVersion
}

// GetVaultSecret 按名称读取vault配置项；目前只暴露主密钥版本号，
// 实际密钥材料不经过调用方
func (v *Vault) GetVaultSecret(name string) (string, error) {
	if name == "master_key_version" {
		return v.masterKeyVersion, nil
	}
	return "", fmt.Errorf("未知vault secret: %s", name)
}

func (v *Vault) keyFor(masterKeyVersion string) ([]byte, error) {
	if masterKeyVersion != "" && masterKeyVersion != v.masterKeyVersion {
		return nil, fmt.Errorf("未知主密钥版本: %s (当前: %s)", masterKeyVersion, v.masterKeyVersion)
	}
	return v.masterKey, nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("密文过短")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}

// EncryptJSONB 按指定主密钥版本加密任意可序列化结构
func (v *Vault) EncryptJSONB(data interface{}, masterKeyVersion string) ([]byte, error) {
	key, err := v.keyFor(masterKeyVersion)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("序列化失败: %w", err)
	}
	return seal(key, plaintext)
}

// DecryptJSONB 解密并反序列化到out
func (v *Vault) DecryptJSONB(ciphertext []byte, masterKeyVersion string, out interface{}) error {
	key, err := v.keyFor(masterKeyVersion)
	if err != nil {
		return err
	}
	plaintext, err := open(key, ciphertext)
	if err != nil {
		return fmt.Errorf("解密失败: %w", err)
	}
	return json.Unmarshal(plaintext, out)
}

// EncryptDEK 包装一个随机生成的文档加密密钥(DEK)
func (v *Vault) EncryptDEK(dek []byte, masterKeyVersion string) ([]byte, error) {
	key, err := v.keyFor(masterKeyVersion)
	if err != nil {
		return nil, err
	}
	return seal(key, dek)
}

// DecryptDEK 解包DEK
func (v *Vault) DecryptDEK(wrapped []byte, masterKeyVersion string) ([]byte, error) {
	key, err := v.keyFor(masterKeyVersion)
	if err != nil {
		return nil, err
	}
	return open(key, wrapped)
}

// GenerateDEK 生成新的256位DEK，供按文件加密原始字节使用
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, err
	}
	return dek, nil
}

// EncryptBytes 使用DEK加密原始字节（文件角色内容），不经过JSON编码
func EncryptBytes(dek, plaintext []byte) ([]byte, error) {
	return seal(dek, plaintext)
}

// DecryptBytes 使用DEK解密原始字节
func DecryptBytes(dek, ciphertext []byte) ([]byte, error) {
	return open(dek, ciphertext)
}
