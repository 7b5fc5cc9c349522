// Package views は HTML テンプレートの読み込みと描画を提供します。
package views

import (
	"embed"
	"html/template"

	"github.com/gin-gonic/gin"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	// FlashSuccess はログイン画面に一度だけ表示する成功メッセージのフラッシュキーです。
	FlashSuccess = "success"
	// ContextCSRFKey は gin.Context に CSRF トークンを保存するキーです。
	ContextCSRFKey = "views.csrf"
)

// Load は埋め込みテンプレートを読み込みます。
func Load() (*template.Template, error) {
	return template.New("").ParseFS(templateFS, "templates/*.html")
}

// MustLoad は Load に失敗した場合に panic します。
func MustLoad() *template.Template {
	tmpl, err := Load()
	if err != nil {
		panic(err)
	}
	return tmpl
}

// Render はエラー・入力値・CSRF トークンを補完してテンプレートを描画します。
func Render(c *gin.Context, status int, name string, data gin.H) {
	if data == nil {
		data = gin.H{}
	}
	if _, ok := data["Errors"].(map[string]string); !ok {
		data["Errors"] = map[string]string{}
	}
	if _, ok := data["Input"].(map[string]string); !ok {
		data["Input"] = map[string]string{}
	}
	data["CSRF"] = c.GetString(ContextCSRFKey)
	c.HTML(status, name, data)
}
