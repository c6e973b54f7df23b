package scoring

import (
	"errors"
	"fmt"
)

type Stage string

const (
	StageColumnMapping Stage = "column_mapping"
	StageTransform     Stage = "transform"
	StagePrediction    Stage = "prediction"
)

// ErrStartupFatal 表示模型或标准化参数无法加载，服务不能开始对外提供评分。
var ErrStartupFatal = errors.New("评分模型加载失败")

// ValidationError 标识输入在哪个阶段被拒绝；Field 可为空。
type ValidationError struct {
	Stage Stage
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Field, e.Msg)
}

func invalid(stage Stage, field, format string, args ...any) *ValidationError {
	return &ValidationError{Stage: stage, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// AsValidationError 是 errors.As 的简写。
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// NewValidationError 供其他包构造同样格式的校验错误。
func NewValidationError(stage Stage, field, format string, args ...any) *ValidationError {
	return invalid(stage, field, format, args...)
}
