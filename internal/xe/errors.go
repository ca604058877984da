package xe

import "github.com/go-orz/orz"

var (
	ErrInvalidParams = orz.NewError(10400, "参数错误")
	ErrTradeNotFound = orz.NewError(10404, "交易记录不存在")
	ErrTradeNotOpen  = orz.NewError(10405, "交易未处于持仓状态")
	ErrEngineBusy    = orz.NewError(10409, "引擎正在对账中，请稍后重试")
)
