//go:build !no_automation

package automation

// ScriptMeta is the JSON header on the first line of a script file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one .lua file in the scripts directory.
type Script struct {
	ID       string     `json:"id"` // filename stem
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}
