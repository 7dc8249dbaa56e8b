// Package wallet 校验 Agent 登记的 EVM 收款地址。
package wallet

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentFleet/internal/errors"
)

// CodeInvalidWallet 表示钱包地址不合法。
const CodeInvalidWallet xerrors.Code = "WALLET_INVALID"

func init() {
	xerrors.Register(CodeInvalidWallet, xerrors.Attributes{
		Message:  "invalid wallet address",
		Class:    xerrors.ClassValidation,
		Severity: xerrors.SeverityInfo,
	})
}

// Normalize 校验地址并返回 EIP-55 校验和格式。
// 全小写或全大写的地址视为未携带校验和而直接接受，大小写混合时必须与校验和一致。
func Normalize(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return "", xerrors.New(CodeInvalidWallet, "钱包地址不能为空")
	}
	if !common.IsHexAddress(addr) {
		return "", xerrors.Newf(CodeInvalidWallet, "钱包地址格式不正确: %s", addr)
	}
	checksummed := common.HexToAddress(addr).Hex()
	body := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	mixed := strings.ToLower(body) != body && strings.ToUpper(body) != body
	if mixed && "0x"+body != checksummed {
		return "", xerrors.Newf(CodeInvalidWallet, "钱包地址校验和不匹配: %s", addr)
	}
	if common.HexToAddress(addr) == (common.Address{}) {
		return "", xerrors.New(CodeInvalidWallet, "钱包地址不能为零地址")
	}
	return checksummed, nil
}

// Valid 判断地址是否可用于结算。
func Valid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}
