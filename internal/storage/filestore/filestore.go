// Пакет filestore — операции с файлами данных на диске.
// Корень хранилища содержит по одной директории на регистрацию
// (registration_<id>), внутри — файлы с именами <base>_<unixMillis><ext>.
// Запись двухфазная: Stage пишет временный файл с fsync,
// Publish атомарно публикует его под уникальным именем через hard link.
package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// RegistrationDirPrefix — префикс директории регистрации.
const RegistrationDirPrefix = "registration_"

// StagingPrefix — префикс временных файлов внутри директории регистрации.
const StagingPrefix = ".staging-"

// maxPublishAttempts — сколько миллисекунд перебирается при коллизии имён.
const maxPublishAttempts = 1000

// ErrInvalidPath — путь выходит за пределы корня хранилища или некорректен.
var ErrInvalidPath = errors.New("некорректный путь к файлу")

// ErrInvalidRegistration — идентификатор регистрации должен быть положительным.
var ErrInvalidRegistration = errors.New("некорректный идентификатор регистрации")

// FileStore — управление файлами данных на диске.
type FileStore struct {
	// rootDir — корневая директория хранилища
	rootDir string
	// now — источник времени для имён файлов (подменяется в тестах)
	now func() time.Time
}

// Staged — записанный на диск, но ещё не опубликованный файл.
type Staged struct {
	registrationID int64
	dir            string
	tmpPath        string
	size           int64
}

// Size возвращает размер подготовленного файла.
func (s *Staged) Size() int64 {
	return s.size
}

// Discard удаляет временный файл. Безопасно вызывать повторно.
func (s *Staged) Discard() {
	if s.tmpPath != "" {
		_ = os.Remove(s.tmpPath)
		s.tmpPath = ""
	}
}

// SaveResult — результат публикации файла.
type SaveResult struct {
	// RelativePath — путь относительно корня (registration_<id>/<name>)
	RelativePath string
	// FullPath — абсолютный путь файла на диске
	FullPath string
	// FileName — имя файла на диске
	FileName string
	// Size — размер файла в байтах
	Size int64
}

// New создаёт FileStore. Создаёт корневую директорию, если её нет.
func New(rootDir string) (*FileStore, error) {
	if err := os.MkdirAll(rootDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию хранилища %s: %w", rootDir, err)
	}

	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("не удалось определить абсолютный путь %s: %w", rootDir, err)
	}

	return &FileStore{rootDir: abs, now: time.Now}, nil
}

// SetClock заменяет источник времени для имён файлов.
func (fs *FileStore) SetClock(now func() time.Time) {
	fs.now = now
}

// RootDir возвращает путь к корню хранилища.
func (fs *FileStore) RootDir() string {
	return fs.rootDir
}

// RegistrationDirName возвращает имя директории регистрации.
func RegistrationDirName(registrationID int64) string {
	return RegistrationDirPrefix + strconv.FormatInt(registrationID, 10)
}

// ParseRegistrationDirName извлекает идентификатор из имени директории.
func ParseRegistrationDirName(name string) (int64, bool) {
	if !strings.HasPrefix(name, RegistrationDirPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(name, RegistrationDirPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// RegistrationDir возвращает абсолютный путь директории регистрации.
func (fs *FileStore) RegistrationDir(registrationID int64) string {
	return filepath.Join(fs.rootDir, RegistrationDirName(registrationID))
}

// EnsureRegistrationDir создаёт директорию регистрации, если её нет.
func (fs *FileStore) EnsureRegistrationDir(registrationID int64) (string, error) {
	if registrationID <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidRegistration, registrationID)
	}

	dir := fs.RegistrationDir(registrationID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("не удалось создать директорию регистрации %s: %w", dir, err)
	}
	return dir, nil
}

// ListRegistrationIDs возвращает идентификаторы всех директорий регистраций.
func (fs *FileStore) ListRegistrationIDs() ([]int64, error) {
	entries, err := os.ReadDir(fs.rootDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории хранилища %s: %w", fs.rootDir, err)
	}

	var ids []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, ok := ParseRegistrationDirName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Stage записывает данные во временный файл директории регистрации.
// Паттерн: temp файл → запись → fsync. При ошибке temp файл удаляется.
func (fs *FileStore) Stage(registrationID int64, data []byte) (*Staged, error) {
	dir, err := fs.EnsureRegistrationDir(registrationID)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(dir, StagingPrefix+"*.tmp")
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	return &Staged{
		registrationID: registrationID,
		dir:            dir,
		tmpPath:        tmpPath,
		size:           int64(len(data)),
	}, nil
}

// Publish публикует подготовленный файл под именем <base>_<unixMillis><ext>.
//
// claim вызывается с будущим полным путём до публикации данных и должен
// эксклюзивно закрепить имя (например, создать sidecar). Ошибка claim,
// оборачивающая os.ErrExist, означает, что имя занято: берётся следующая
// миллисекунда. release вызывается, если имя закреплено, но сам файл
// опубликовать не удалось.
//
// Публикация через os.Link атомарна и не перезаписывает существующие файлы,
// поэтому RelativePath никогда не используется повторно.
// После успешной публикации временный файл удаляется.
func (fs *FileStore) Publish(
	staged *Staged,
	originalName string,
	claim func(fullPath string) error,
	release func(fullPath string),
) (*SaveResult, error) {
	if staged == nil || staged.tmpPath == "" {
		return nil, fmt.Errorf("файл не подготовлен к публикации")
	}
	defer staged.Discard()

	base, ext := splitName(originalName)
	ts := fs.now().UnixMilli()

	for attempt := 0; attempt < maxPublishAttempts; attempt++ {
		name := buildName(base, ext, ts+int64(attempt))
		fullPath := filepath.Join(staged.dir, name)

		if _, err := os.Lstat(fullPath); err == nil {
			continue
		}

		if claim != nil {
			if err := claim(fullPath); err != nil {
				if errors.Is(err, os.ErrExist) {
					continue
				}
				return nil, err
			}
		}

		if err := os.Link(staged.tmpPath, fullPath); err != nil {
			if release != nil {
				release(fullPath)
			}
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return nil, fmt.Errorf("ошибка публикации файла %s: %w", name, err)
		}

		return &SaveResult{
			RelativePath: RegistrationDirName(staged.registrationID) + "/" + name,
			FullPath:     fullPath,
			FileName:     name,
			Size:         staged.size,
		}, nil
	}

	return nil, fmt.Errorf("не удалось подобрать уникальное имя для %s за %d попыток", originalName, maxPublishAttempts)
}

// ReadFile читает файл целиком по относительному пути.
// Если файла нет, ошибка оборачивает os.ErrNotExist.
func (fs *FileStore) ReadFile(relativePath string) ([]byte, error) {
	fullPath, err := fs.FullPath(relativePath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("файл не найден: %s: %w", relativePath, os.ErrNotExist)
		}
		return nil, fmt.Errorf("ошибка чтения файла %s: %w", relativePath, err)
	}
	return data, nil
}

// FullPath проверяет относительный путь и возвращает абсолютный.
// Допускаются оба разделителя; абсолютные пути и выход за корень запрещены.
func (fs *FileStore) FullPath(relativePath string) (string, error) {
	rel := strings.ReplaceAll(relativePath, "\\", "/")
	if rel == "" || strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relativePath)
	}

	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, relativePath)
		}
	}

	fullPath := filepath.Join(fs.rootDir, filepath.FromSlash(rel))
	if fullPath == fs.rootDir || !strings.HasPrefix(fullPath, fs.rootDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relativePath)
	}
	return fullPath, nil
}

// RelativePath возвращает путь относительно корня для файла регистрации.
func RelativePath(registrationID int64, fileName string) string {
	return RegistrationDirName(registrationID) + "/" + fileName
}

// FileExists проверяет существование файла.
func (fs *FileStore) FileExists(relativePath string) bool {
	fullPath, err := fs.FullPath(relativePath)
	if err != nil {
		return false
	}
	info, err := os.Stat(fullPath)
	return err == nil && info.Mode().IsRegular()
}

// splitName разделяет имя на безопасную основу и исходное расширение.
func splitName(originalName string) (base, ext string) {
	name := filepath.Base(strings.ReplaceAll(originalName, "\\", "/"))
	if name == "." || name == "/" {
		name = ""
	}
	ext = filepath.Ext(name)
	base = strings.TrimSuffix(name, ext)

	ext = sanitizeExt(ext)
	base = sanitize(base)

	// Ограничиваем длину имени для предотвращения проблем с FS
	if r := []rune(base); len(r) > 50 {
		base = string(r[:50])
	}
	return base, ext
}

// buildName формирует имя файла: <base>_<unixMillis><ext>.
// Пример: photo_1700000000000.jpg
func buildName(base, ext string, millis int64) string {
	return base + "_" + strconv.FormatInt(millis, 10) + ext
}

// sanitize убирает небезопасные символы из основы имени.
// Оставляет буквы любых алфавитов, цифры, дефис и подчёркивание,
// пробелы заменяются подчёркиванием.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) || r == '-' || r == '_':
			result.WriteRune(r)
		case unicode.IsSpace(r):
			result.WriteRune('_')
		}
	}
	if result.Len() == 0 {
		return "file"
	}
	return result.String()
}

// sanitizeExt оставляет в расширении только латинские буквы и цифры.
func sanitizeExt(ext string) string {
	if ext == "" {
		return ""
	}
	var result strings.Builder
	result.WriteByte('.')
	for _, r := range strings.TrimPrefix(ext, ".") {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			result.WriteRune(r)
		}
	}
	if result.Len() == 1 {
		return ""
	}
	return result.String()
}
