package classifier

import (
	"regexp"
	"strings"

	"github.com/iris-network/iris/pkg/types"
)

// Keyword families driving the heuristic score. The network serves a mixed
// Spanish/English user base, so both languages are matched.
var advancedKeywords = []string{
	// Code-related
	"código", "code", "programa", "program", "function", "función",
	"algorithm", "algoritmo", "implement", "implementa", "debug",
	"refactor", "class", "clase", "api", "endpoint", "database",
	"sql", "query", "script", "bug", "error", "exception",
	// Math-related
	"matemáticas", "math", "calcul", "equation", "ecuación",
	"formula", "fórmula", "integral", "derivada", "derivative",
	"probabilidad", "probability", "estadística", "statistics",
	// Reasoning-related
	"razon", "reason", "logic", "lógica", "proof", "prueba",
	"demostración", "theorem", "teorema", "hypothesis", "hipótesis",
	"deducir", "deduce", "infer", "inferir",
	// Architecture
	"arquitectura", "architecture", "design pattern", "patrón de diseño",
	"system design", "diseño de sistema", "microservice",
	// Complex tasks
	"optimiza", "optimize", "benchmark", "performance", "rendimiento",
}

var complexKeywords = []string{
	// Analysis
	"analiza", "analyze", "analysis", "análisis", "evalúa", "evaluate",
	"compara", "compare", "comparison", "comparación", "contrasta",
	// Summaries
	"resume", "summarize", "summary", "resumen", "sintetiza",
	// Explanations
	"explica", "explain", "explanation", "explicación", "describe",
	"descripción", "detalla", "detail",
	// Lists and identification
	"lista", "list", "enumera", "enumerate", "identifica", "identify",
	"clasifica", "classify", "categoriza", "categorize",
	// Reviews
	"revisa", "review", "critica", "critique",
	// Plans
	"planifica", "plan", "estrategia", "strategy", "organiza",
}

var simpleKeywords = []string{
	"qué es", "what is", "define", "definición", "definition",
	"traduce", "translate", "traducción", "translation",
	"cuánto", "how much", "cuántos", "how many",
	"dónde", "where", "cuándo", "when", "quién", "who",
	"sí o no", "yes or no", "verdadero o falso", "true or false",
}

var mathSymbols = []rune{'∑', '∫', '√', '∂', '≈', '≤', '≥'}

var (
	advancedPattern = compileKeywords(advancedKeywords)
	complexPattern  = compileKeywords(complexKeywords)
	simplePattern   = compileKeywords(simpleKeywords)
)

func compileKeywords(keywords []string) *regexp.Regexp {
	escaped := make([]string, len(keywords))
	for i, kw := range keywords {
		escaped[i] = regexp.QuoteMeta(kw)
	}
	return regexp.MustCompile("(?i)" + strings.Join(escaped, "|"))
}

// Heuristic classifies a prompt without external help. It scores the prompt
// 0-100 and buckets the score: >= 70 advanced, >= 40 complex, else simple.
func Heuristic(prompt string, subtaskCount int) types.Difficulty {
	score := heuristicScore(prompt, subtaskCount)
	switch {
	case score >= 70:
		return types.DifficultyAdvanced
	case score >= 40:
		return types.DifficultyComplex
	default:
		return types.DifficultySimple
	}
}

func heuristicScore(prompt string, subtaskCount int) float64 {
	score := 0.0

	// Keyword analysis (0-40 points). Advanced keywords dominate; simple
	// keywords only pull the score down when nothing stronger matched.
	advanced := len(advancedPattern.FindAllString(prompt, -1))
	complexN := len(complexPattern.FindAllString(prompt, -1))
	simple := len(simplePattern.FindAllString(prompt, -1))

	switch {
	case advanced > 0:
		score += min(float64(advanced)*15, 40)
	case complexN > 0:
		score += min(float64(complexN)*10, 25)
	case simple > 0:
		score -= min(float64(simple)*5, 15)
	}

	// Length analysis (0-30 points).
	tokens := len(strings.Fields(prompt))
	switch {
	case tokens > 500:
		score += 30
	case tokens > 200:
		score += 20
	case tokens > 100:
		score += 10
	case tokens < 20:
		score -= 5
	}

	// Subtask count analysis (0-30 points).
	switch {
	case subtaskCount >= 5:
		score += 30
	case subtaskCount >= 3:
		score += 20
	case subtaskCount >= 2:
		score += 10
	}

	// Code blocks and technical content.
	if strings.Contains(prompt, "```") || strings.Contains(prompt, "def ") || strings.Contains(prompt, "class ") {
		score += 15
	}

	// Mathematical notation.
	for _, sym := range mathSymbols {
		if strings.ContainsRune(prompt, sym) {
			score += 15
			break
		}
	}

	return max(0, min(100, score))
}
