// Пакет urlmap — преобразование внутренних относительных путей хранилища
// во внешние адреса. Раскладка на диске (директория на регистрацию)
// отделена от публичной адресации (/files/<id>/<имя>), поэтому ранее
// выданные ссылки в сертификатах остаются рабочими.
package urlmap

import (
	"net/url"
	"regexp"
	"strings"
)

// DefaultStaticPrefix — префикс статических файлов по умолчанию.
const DefaultStaticPrefix = "/uploads"

// registrationPathRe — шаблон registration_<id>/<filename>.
var registrationPathRe = regexp.MustCompile(`^registration_(\d+)/([^/]+)$`)

// componentReplacer приводит url.QueryEscape к набору символов encodeURIComponent.
var componentReplacer = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// Mapper строит внешние адреса файлов.
type Mapper struct {
	apiPrefix    string
	staticPrefix string
}

// New создаёт Mapper. apiPrefix добавляется перед /files (может быть пустым),
// staticPrefix используется для путей, не соответствующих шаблону регистрации.
func New(apiPrefix, staticPrefix string) *Mapper {
	if staticPrefix == "" {
		staticPrefix = DefaultStaticPrefix
	}
	return &Mapper{
		apiPrefix:    strings.TrimRight(apiPrefix, "/"),
		staticPrefix: strings.TrimRight(staticPrefix, "/"),
	}
}

// ToServableURL возвращает адрес для встраивания в <img src> и ссылки.
// Пример: "registration_7/photo_123.jpg" → "/files/7/photo_123.jpg?view=true".
// Пустой путь даёт пустую строку.
func (m *Mapper) ToServableURL(relativePath string) string {
	if relativePath == "" {
		return ""
	}

	rel := strings.TrimLeft(strings.ReplaceAll(relativePath, "\\", "/"), "/")
	if match := registrationPathRe.FindStringSubmatch(rel); match != nil {
		return m.FileURL(match[1], match[2]) + "?view=true"
	}

	return m.staticPrefix + "/" + rel
}

// FileURL возвращает адрес файла регистрации без параметров.
func (m *Mapper) FileURL(registrationID, filename string) string {
	return m.apiPrefix + "/files/" + registrationID + "/" + EncodeComponent(filename)
}

// EncodeComponent кодирует сегмент пути так же, как encodeURIComponent в браузере.
func EncodeComponent(s string) string {
	return componentReplacer.Replace(url.QueryEscape(s))
}
