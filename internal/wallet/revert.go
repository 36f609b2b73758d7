package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
)

// wrapEVMExecutionError wraps err and appends the decoded revert reason when
// the node returned revert data.
func wrapEVMExecutionError(code clierr.Code, message string, err error) error {
	if reason := decodeRevertFromError(err); reason != "" {
		message = fmt.Sprintf("%s: execution reverted: %s", message, reason)
	}
	return clierr.Wrap(code, message, err)
}

func decodeRevertFromError(err error) string {
	var dataErr gethrpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	switch v := dataErr.ErrorData().(type) {
	case string:
		raw, decodeErr := hexutil.Decode(strings.TrimSpace(v))
		if decodeErr != nil {
			return ""
		}
		return decodeRevertData(raw)
	case []byte:
		return decodeRevertData(v)
	default:
		return ""
	}
}

func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	return "custom error " + hexutil.Encode(common.CopyBytes(data[:4]))
}
