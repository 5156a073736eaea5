// Package dapp 定义 dApp 与钱包扩展之间交换的值对象。
//
// 这些类型只描述形状，不做内容校验：地址、金额、签名等字段原样透传给扩展。
package dapp

// Account 是扩展在 connect 成功后返回的会话账户。
type Account struct {
	Address string `json:"address"`
	Index   int    `json:"index"`
}

// Transaction 是交易的 plain object 表示。
type Transaction struct {
	Nonce     uint64 `json:"nonce"`
	Value     string `json:"value"`
	Receiver  string `json:"receiver"`
	Sender    string `json:"sender"`
	GasPrice  uint64 `json:"gasPrice"`
	GasLimit  uint64 `json:"gasLimit"`
	Data      string `json:"data,omitempty"`
	ChainID   string `json:"chainID"`
	Version   uint32 `json:"version"`
	Options   uint32 `json:"options,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// SignableMessage 是待签名的任意字节消息；签名完成后扩展回填 Signature/Address。
// Message 在 JSON 中按 encoding/json 的 []byte 规则编码为标准 base64。
type SignableMessage struct {
	Message   []byte `json:"message"`
	Signature string `json:"signature,omitempty"`
	Address   string `json:"address,omitempty"`
}

// LoginOptions 对应 connect 的可选参数。
type LoginOptions struct {
	CallbackURL string `json:"callbackUrl,omitempty"`
	Token       string `json:"token,omitempty"`
}
