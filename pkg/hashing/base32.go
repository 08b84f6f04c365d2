package hashing

import "buildvault/pkg/errdefs"

// Base32Alphabet 是定制的 32 字符字母表。
// 去掉了 e o u t 四个字符，避免拼出不雅词汇，也降低人眼混淆。
// 顺序是固定的，任何改动都会使所有已有路径失效。
const Base32Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

var base32Rev = func() [256]int8 {
	var rev [256]int8
	for i := range rev {
		rev[i] = -1
	}
	for i := 0; i < len(Base32Alphabet); i++ {
		rev[Base32Alphabet[i]] = int8(i)
	}
	return rev
}()

// EncodedLen 返回 n 字节摘要的 base32 输出长度 (定宽)。
// 20 字节 → 32 字符，32 字节 → 52 字符。
func EncodedLen(n int) int {
	return (n*8 + 4) / 5
}

// DecodedLen 是 EncodedLen 的逆。
func DecodedLen(n int) int {
	return n * 5 / 8
}

// EncodeBase32 把 src 视为大端 8*len 位整数，从高位到低位每 5 位输出一个字符。
// 位数不是 5 的倍数时在最高位补零，因此输出宽度只由输入长度决定。
func EncodeBase32(src []byte) string {
	n := EncodedLen(len(src))
	out := make([]byte, 0, n)

	// pad 个前导零位让总位数对齐到 5 的倍数
	pad := n*5 - len(src)*8
	var buf uint32
	nbits := pad
	for _, b := range src {
		buf = buf<<8 | uint32(b)
		nbits += 8
		for nbits >= 5 {
			out = append(out, Base32Alphabet[(buf>>(nbits-5))&31])
			nbits -= 5
			buf &= 1<<nbits - 1
		}
	}
	return string(out)
}

// DecodeBase32 是 EncodeBase32 的逆。
// 长度不在合法定宽集合内、出现字母表外字符、或前导补位非零都算格式错误。
func DecodeBase32(s string) ([]byte, error) {
	size := DecodedLen(len(s))
	if EncodedLen(size) != len(s) {
		return nil, errdefs.Format("invalid base-32 length %d", len(s))
	}
	out := make([]byte, 0, size)

	// 编码时在最高位补了 pad 个零位，这里要先从首字符剥掉它们
	pad := len(s)*5 - size*8
	var buf uint32
	nbits := 0
	for i := 0; i < len(s); i++ {
		v := base32Rev[s[i]]
		if v < 0 {
			return nil, errdefs.Format("invalid base-32 character '%c'", s[i])
		}
		if i == 0 {
			if pad > 0 && v>>(5-pad) != 0 {
				return nil, errdefs.Format("non-canonical base-32 padding in '%s'", s)
			}
			buf = uint32(v) & (1<<(5-pad) - 1)
			nbits = 5 - pad
		} else {
			buf = buf<<5 | uint32(v)
			nbits += 5
		}
		for nbits >= 8 {
			out = append(out, byte(buf>>(nbits-8)))
			nbits -= 8
			buf &= 1<<nbits - 1
		}
	}
	return out, nil
}

// IsBase32 逐字符检查 s 是否全部落在字母表内。
func IsBase32(s string) bool {
	for i := 0; i < len(s); i++ {
		if base32Rev[s[i]] < 0 {
			return false
		}
	}
	return true
}
