// Package signature 实现 "keyName:base64" 形式的 ed25519 分离签名。
// 被签的对象永远是路径指纹 (见 store.ValidPathInfo.Fingerprint)。
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"strings"

	"buildvault/pkg/errdefs"
)

// SecretKey 是命名的 ed25519 私钥。
type SecretKey struct {
	Name string
	Key  ed25519.PrivateKey
}

// PublicKey 是命名的 ed25519 公钥，信任集里的一员。
type PublicKey struct {
	Name string
	Key  ed25519.PublicKey
}

// GenerateKeyPair 生成一对新钥匙。
func GenerateKeyPair(name string) (SecretKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SecretKey{}, PublicKey{}, err
	}
	return SecretKey{Name: name, Key: priv}, PublicKey{Name: name, Key: pub}, nil
}

// splitNamed 拆 "name:base64" 形式。
func splitNamed(s, what string) (string, []byte, error) {
	name, b64, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return "", nil, errdefs.Format("%s is corrupt: missing name prefix", what)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", nil, errdefs.Format("%s is corrupt: bad base64", what)
	}
	return name, raw, nil
}

// ParseSecretKey 解析 "name:base64(64 字节私钥)"。
func ParseSecretKey(s string) (SecretKey, error) {
	name, raw, err := splitNamed(s, "secret key")
	if err != nil {
		return SecretKey{}, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return SecretKey{}, errdefs.Format("secret key '%s' has wrong length %d", name, len(raw))
	}
	return SecretKey{Name: name, Key: ed25519.PrivateKey(raw)}, nil
}

// ParsePublicKey 解析 "name:base64(32 字节公钥)"。
func ParsePublicKey(s string) (PublicKey, error) {
	name, raw, err := splitNamed(s, "public key")
	if err != nil {
		return PublicKey{}, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return PublicKey{}, errdefs.Format("public key '%s' has wrong length %d", name, len(raw))
	}
	return PublicKey{Name: name, Key: ed25519.PublicKey(raw)}, nil
}

// LoadSecretKeys 从文件列表读私钥，每个文件一行一把。
func LoadSecretKeys(files []string) ([]SecretKey, error) {
	var keys []SecretKey
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		k, err := ParseSecretKey(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// ParsePublicKeys 批量解析信任集配置。
func ParsePublicKeys(specs []string) ([]PublicKey, error) {
	var keys []PublicKey
	for _, s := range specs {
		k, err := ParsePublicKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// String 渲染 "name:base64" 形式。
func (k SecretKey) String() string {
	return k.Name + ":" + base64.StdEncoding.EncodeToString(k.Key)
}

func (k PublicKey) String() string {
	return k.Name + ":" + base64.StdEncoding.EncodeToString(k.Key)
}

// ToPublic 导出配对公钥。
func (k SecretKey) ToPublic() PublicKey {
	return PublicKey{Name: k.Name, Key: k.Key.Public().(ed25519.PublicKey)}
}

// SignDetached 产出 "keyName:base64(sig)" 形式的分离签名。
func (k SecretKey) SignDetached(fingerprint string) string {
	sig := ed25519.Sign(k.Key, []byte(fingerprint))
	return k.Name + ":" + base64.StdEncoding.EncodeToString(sig)
}

// VerifyDetached 用信任集验一条签名。
// 只认名字匹配的那把钥匙；名字不在集合里等于验签失败。
func VerifyDetached(fingerprint, sig string, trusted []PublicKey) bool {
	name, raw, err := splitNamed(sig, "signature")
	if err != nil || len(raw) != ed25519.SignatureSize {
		return false
	}
	for _, k := range trusted {
		if k.Name != name {
			continue
		}
		if ed25519.Verify(k.Key, []byte(fingerprint), raw) {
			return true
		}
	}
	return false
}
