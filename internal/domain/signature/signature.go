// Пакет signature — определение формата изображения по первым байтам
// содержимого. Имя файла и Content-Type клиента не учитываются.
package signature

import (
	"bytes"

	"github.com/bigkaa/imagedrop/internal/domain/model"
)

// HeaderSize — сколько байт заголовка нужно для распознавания
// любого поддерживаемого формата (WEBP: смещение 8 + 4 байта).
const HeaderSize = 12

// rule — сигнатура формата: magic-байты по смещению и минимальная
// длина заголовка, при которой правило вообще применимо.
type rule struct {
	kind   model.ImageKind
	minLen int
	parts  []part
}

type part struct {
	offset int
	magic  []byte
}

var rules = []rule{
	{kind: model.KindJPEG, minLen: 3, parts: []part{{0, []byte{0xFF, 0xD8, 0xFF}}}},
	{kind: model.KindPNG, minLen: 4, parts: []part{{0, []byte{0x89, 0x50, 0x4E, 0x47}}}},
	{kind: model.KindGIF, minLen: 4, parts: []part{{0, []byte("GIF8")}}},
	{kind: model.KindWEBP, minLen: 12, parts: []part{
		{0, []byte("RIFF")},
		{8, []byte("WEBP")},
	}},
}

// Detect возвращает формат изображения или model.KindUnknown.
// Заголовок короче, чем требует сигнатура, ей не соответствует.
func Detect(header []byte) model.ImageKind {
	for _, r := range rules {
		if r.match(header) {
			return r.kind
		}
	}
	return model.KindUnknown
}

func (r rule) match(header []byte) bool {
	if len(header) < r.minLen {
		return false
	}
	for _, p := range r.parts {
		end := p.offset + len(p.magic)
		if end > len(header) || !bytes.Equal(header[p.offset:end], p.magic) {
			return false
		}
	}
	return true
}
