package validator

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MessageEncoding 描述待签名消息字符串的编码。
type MessageEncoding string

const (
	MessageEncodingUTF8   MessageEncoding = "utf8"
	MessageEncodingHex    MessageEncoding = "hex"
	MessageEncodingBase64 MessageEncoding = "base64"
)

// NormalizeEncoding 将用户输入转换为内部常量，空值默认 utf8。
func NormalizeEncoding(raw string) (MessageEncoding, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(MessageEncodingUTF8), "utf-8", "text":
		return MessageEncodingUTF8, nil
	case string(MessageEncodingHex):
		return MessageEncodingHex, nil
	case string(MessageEncodingBase64):
		return MessageEncodingBase64, nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", raw)
	}
}

// DecodeMessage 将消息解码为原始字节，不要求是合法 UTF-8。
func DecodeMessage(message string, enc MessageEncoding) ([]byte, error) {
	var decoded []byte
	switch enc {
	case MessageEncodingUTF8:
		decoded = []byte(message)
	case MessageEncodingHex:
		raw, err := hex.DecodeString(strings.TrimPrefix(message, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid hex message: %w", err)
		}
		decoded = raw
	case MessageEncodingBase64:
		raw, err := base64.StdEncoding.DecodeString(message)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 message: %w", err)
		}
		decoded = raw
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
	if !utf8.Valid(decoded) {
		return nil, fmt.Errorf("message is not valid utf-8")
	}
	return decoded, nil
}
