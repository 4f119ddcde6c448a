package auth

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileTokens 把 token 保存在本地 YAML 文件中，供终端客户端使用。
type FileTokens struct {
	Path string
}

type tokenFile struct {
	Token string `yaml:"token"`
}

// DefaultTokenPath 返回用户配置目录下的会话文件路径。
func DefaultTokenPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "escudo", "session.yaml"), nil
}

// LoadToken 读取 token；文件不存在时返回空字符串。
func (f FileTokens) LoadToken() (string, error) {
	raw, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", f.Path, err)
	}
	var tf tokenFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return "", fmt.Errorf("parse %s: %w", f.Path, err)
	}
	return tf.Token, nil
}

// SaveToken 写入 token，文件仅对当前用户可读写。
func (f FileTokens) SaveToken(token string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	raw, err := yaml.Marshal(tokenFile{Token: token})
	if err != nil {
		return err
	}
	return os.WriteFile(f.Path, raw, 0o600)
}

// ClearToken 删除会话文件。
func (f FileTokens) ClearToken() error {
	err := os.Remove(f.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", f.Path, err)
	}
	return nil
}
