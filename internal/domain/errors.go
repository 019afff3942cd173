package domain

import "errors"

// 面向调用方的可恢复错误；用 errors.Is 判断，细节通过 fmt.Errorf("%w: ...") 附加
var (
	// ErrInvalidSelection 提交的 tracker 未知、已完成、或为站点办公室标记
	ErrInvalidSelection = errors.New("invalid selection")
	// ErrDuplicatePending 防抖窗口内已存在相同（重叠）的待审批请求
	ErrDuplicatePending = errors.New("duplicate pending request")
	// ErrNotFound 请求不存在或已不是 pending
	ErrNotFound = errors.New("not found")
	// ErrPreconditionFailed 周期未完成时尝试重置
	ErrPreconditionFailed = errors.New("precondition failed")
)
