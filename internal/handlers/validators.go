package handlers

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"homeworkhelper/internal/models"
)

var (
	registerOnce sync.Once
	registerErr  error
)

// RegisterValidators 注册 subject 校验规则，错误信息使用 json/form 字段名
func RegisterValidators() error {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerErr = errors.New("unexpected validator engine")
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			for _, tag := range []string{"json", "form"} {
				name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
				if name == "-" {
					return ""
				}
				if name != "" {
					return name
				}
			}
			return fld.Name
		})
		registerErr = v.RegisterValidation("subject", func(fl validator.FieldLevel) bool {
			return models.IsSubject(fl.Field().String())
		})
	})
	return registerErr
}
