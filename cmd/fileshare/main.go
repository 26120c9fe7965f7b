// Точка входа fileshare — сервиса обмена файлами по одноразовым
// и срочным ссылкам.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// .env необязателен: в контейнере переменные задаются окружением
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Ошибка чтения .env: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
