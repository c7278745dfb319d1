package config

// DefaultModel is the Gemini model every request is served by.
const DefaultModel = "gemini-2.5-flash-lite"

// DefaultBaseURL is the Gemini REST endpoint root.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// DefaultInterviewerPrompt is the persona used by /generar.
const DefaultInterviewerPrompt = "Actúa como un reclutador experimentado especializado en entrevistas laborales. " +
	"Genera una pregunta de entrevista laboral diferente cada vez, " +
	"variando el tema entre liderazgo, resolución de conflictos, trabajo en equipo, comunicación, " +
	"motivación, adaptación al cambio, planificación, o gestión de tiempo. " +
	"La pregunta debe ser breve (máximo 600 palabras), sin explicación ni contexto adicional. "

// DefaultEvaluatorPrompt is the persona used by /revisar.
const DefaultEvaluatorPrompt = "Eres un evaluador profesional de entrevistas laborales. " +
	"Evalúa la respuesta del candidato considerando tres aspectos: " +
	"1. Claridad, 2. Relevancia, 3. Profundidad. " +
	"Asigna un puntaje total de 0 a 100 y mejora la redacción de la respuesta. " +
	"Devuelve la salida en formato JSON con los campos 'respuesta_mejorada' y 'score'."

// DefaultQuestionInstruction is the user message sent by /generar.
const DefaultQuestionInstruction = "Genera una pregunta de entrevista laboral."

func defaults() map[string]any {
	return map[string]any{
		"server.port":             8000,
		"server.read_timeout":     "30s",
		"server.write_timeout":    "120s",
		"server.shutdown_timeout": "10s",

		"model.name":     DefaultModel,
		"model.backend":  BackendREST,
		"model.base_url": DefaultBaseURL,
		"model.api_key":  "",

		"prompts.interviewer":          DefaultInterviewerPrompt,
		"prompts.evaluator":            DefaultEvaluatorPrompt,
		"prompts.question_instruction": DefaultQuestionInstruction,

		"log.level":       "info",
		"log.development": false,
	}
}
