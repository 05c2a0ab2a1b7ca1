// Package ids генерирует идентификаторы документов: snowflake для сообщений (упорядочены по времени),
// UUID для диалогов, файлов и токенов.
package ids

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	node *snowflake.Node
	once sync.Once
	// pairNamespace: пространство имён для детерминированных id диалогов.
	pairNamespace = uuid.MustParse("6f1c54a2-3f4e-4d7b-9a51-2b8d3c0e7f10")
)

// Init задаёт номер узла snowflake (0..1023). Повторные вызовы игнорируются.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// Message возвращает id сообщения. Без Init используется узел 0.
func Message() string {
	_ = Init(0)
	return node.Generate().String()
}

func New() string {
	return uuid.New().String()
}

// Pair: детерминированный id диалога для неупорядоченной пары пользователей.
func Pair(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return uuid.NewSHA1(pairNamespace, []byte(a+"\x00"+b)).String()
}
