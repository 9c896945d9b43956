package weekly

import (
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/callscore/internal/model"
	"github.com/sells-group/callscore/internal/parser"
)

// Placeholders substituted into warm templates.
const (
	knownPlaceholder = "{{known}}"
	callsPlaceholder = "{{calls}}"
)

// Template is the pair of prompts for one report kind. Cold starts a report
// with no findings yet; the calls block is appended to it. Warm lists the
// known titles so the model keeps reusing them.
type Template struct {
	Cold string `yaml:"cold"`
	Warm string `yaml:"warm"`
}

// Prompts holds a template per report kind.
type Prompts map[model.ReportKind]Template

// titleLabel is the label the model is asked to put in front of each title.
func titleLabel(kind model.ReportKind) string {
	switch kind {
	case model.ReportInsight:
		return "Проблема"
	case model.ReportFactor:
		return "Фактор"
	default:
		return "Ошибка"
	}
}

// parseLabels are the title labels accepted when reading the answer.
func parseLabels(kind model.ReportKind) []string {
	switch kind {
	case model.ReportInsight:
		return parser.InsightLabels
	case model.ReportFactor:
		return parser.FactorLabels
	default:
		return parser.ErrorLabels
	}
}

// Build renders the prompt for a batch. Known findings switch to the warm
// template; titles that fold to the same key are listed once.
func (p Prompts) Build(kind model.ReportKind, known []model.Finding, calls string) string {
	tpl := p[kind]
	if len(known) == 0 {
		return strings.TrimSpace(tpl.Cold) + "\n\n" + calls
	}

	fold := cases.Fold()
	label := titleLabel(kind)
	seen := make(map[string]bool, len(known))
	var b strings.Builder
	n := 0
	for _, f := range known {
		title := strings.TrimSpace(f.Title)
		key := fold.String(title)
		if title == "" || seen[key] {
			continue
		}
		seen[key] = true
		n++
		if n > 1 {
			b.WriteByte('\n')
		}
		b.WriteString(label + " " + strconv.Itoa(n) + ": " + title)
	}

	r := strings.NewReplacer(knownPlaceholder, b.String(), callsPlaceholder, calls)
	return strings.TrimSpace(r.Replace(tpl.Warm))
}

// LoadPrompts returns the built-in templates, with any kind present in the
// YAML file at path replacing its default. An empty path loads nothing.
func LoadPrompts(path string) (Prompts, error) {
	prompts := DefaultPrompts()
	if path == "" {
		return prompts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "weekly: read prompts %s", path)
	}
	var overrides map[string]Template
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, eris.Wrapf(err, "weekly: parse prompts %s", path)
	}
	for name, tpl := range overrides {
		kind := model.ReportKind(name)
		if !kind.Valid() {
			return nil, eris.Errorf("weekly: prompts %s: unknown report kind %q", path, name)
		}
		def := prompts[kind]
		if tpl.Cold != "" {
			def.Cold = tpl.Cold
		}
		if tpl.Warm != "" {
			if !strings.Contains(tpl.Warm, knownPlaceholder) || !strings.Contains(tpl.Warm, callsPlaceholder) {
				return nil, eris.Errorf("weekly: prompts %s: %s warm template needs %s and %s",
					path, name, knownPlaceholder, callsPlaceholder)
			}
			def.Warm = tpl.Warm
		}
		prompts[kind] = def
	}
	return prompts, nil
}

// DefaultPrompts returns the built-in templates.
func DefaultPrompts() Prompts {
	return Prompts{
		model.ReportError: {
			Cold: errorIntro + errorFormat + errorExample,
			Warm: errorIntro + errorFormat + warmKnown("ошибок", "Ошибка 6: Новое название ошибки") + errorExample + "\n" + callsPlaceholder,
		},
		model.ReportInsight: {
			Cold: insightIntro + insightFormat + insightExample,
			Warm: insightIntro + insightFormat + warmKnown("проблем", "Проблема 6: Новое название проблемы") + insightExample + "\n" + callsPlaceholder,
		},
		model.ReportFactor: {
			Cold: factorIntro + factorFormat + factorExample,
			Warm: factorIntro + factorFormat + warmKnown("факторов", "Фактор 6: Новое название фактора") + factorExample + "\n" + callsPlaceholder,
		},
	}
}

func warmKnown(what, next string) string {
	return "Текущий список " + what + ". Используй эти названия, если они подходят по смыслу:\n\n" +
		knownPlaceholder + "\n\n" +
		"Если в звонках чаще встречается что-то другое, добавь новый пункт со следующим номером (например, " + next + ").\n\n"
}

const callsIntro = "Ниже звонки отдела продаж. Каждый звонок начинается с 'звонок <ID>:', где <ID> - идентификатор звонка в базе.\n\n"

const errorIntro = callsIntro +
	"Задача: найди 5 ошибок или проблем менеджеров, которые встречаются чаще всего. Один звонок - одна ошибка.\n\n"

const errorFormat = `Для каждой ошибки укажи:
- заголовок строго в формате 'Ошибка N: Название ошибки';
- строку строго в формате 'Количество повторений: N';
- примеры, каждый с новой строки, начиная с тире и заканчивая '(звонок <ID>)'.
Не пиши рекомендаций, выводов и итогов.

`

const errorExample = `Пример ответа:

Ошибка 1: Не выявлены потребности клиента
Количество повторений: 2
- Менеджер не спросил о сроках проекта (звонок 12)
- Менеджер не уточнил бюджет (звонок 15)
Ошибка 2: Возражение по цене не обработано
Количество повторений: 1
- Клиент сказал, что дорого, менеджер закончил разговор (звонок 14)
`

const insightIntro = callsIntro +
	"Задача: найди 5 проблем клиентов, которые мешают сделке и встречаются чаще всего. Один звонок - одна проблема.\n\n"

const insightFormat = `Для каждой проблемы укажи:
- заголовок строго в формате 'Проблема N: Название проблемы';
- строку строго в формате 'Количество повторений: N';
- примеры, каждый с новой строки, начиная с тире и заканчивая '(звонок <ID>)'.
Не пиши рекомендаций, выводов и итогов.

`

const insightExample = `Пример ответа:

Проблема 1: Клиент не понимает, чем продукт лучше конкурентов
Количество повторений: 2
- Клиент сравнивает с другим поставщиком и не видит разницы (звонок 21)
- Клиент спрашивает, почему дороже, чем у других (звонок 25)
`

const factorIntro = callsIntro +
	"Задача: найди 5 факторов, которые чаще всего подталкивают клиентов к положительному решению о сделке. Один звонок - один фактор.\n\n"

const factorFormat = `Для каждого фактора укажи:
- заголовок строго в формате 'Фактор N: Название фактора';
- строку строго в формате 'Количество повторений: N';
- примеры, каждый с новой строки, начиная с тире и заканчивая '(звонок <ID>)'.
Не пиши рекомендаций, выводов и итогов.

`

const factorExample = `Пример ответа:

Фактор 1: Выгодные условия оплаты
Количество повторений: 2
- Клиента устроила рассрочка (звонок 31)
- Клиент согласился после скидки за предоплату (звонок 34)
`
