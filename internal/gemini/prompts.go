package gemini

// TopicExtractionInstruction guides the structured extraction of discrete
// knowledge-base topics from a raw group transcript. Extraction may be called
// with overlapping batches after a failed prior run, so the instruction asks
// for self-contained topics rather than incremental deltas.
const TopicExtractionInstruction = `You are building a knowledge base from a group chat transcript.

Identify the discrete topics discussed in the transcript. For each topic produce:
- subject: a short, specific title (one line)
- summary: a self-contained summary of what was said, including conclusions, decisions, and answers given

Guidelines:
- Split unrelated discussions into separate topics; never blend them.
- Skip small talk, greetings, and content with no lasting value.
- Keep the language of the transcript.
- Return an empty list when nothing in the transcript is worth keeping.`

// AnswerInstruction guides answer generation from retrieved topics.
const AnswerInstruction = `Answer the user's question based only on the attached knowledge-base topics.

Guidelines:
- Answer in the same language as the question.
- Be conversational and concise; this is a group chat.
- Only use information from the attached topics.
- If the topics do not contain the answer, say you could not find relevant information.`

// HedgedAnswerSuffix is appended when retrieval confidence is low, steering
// the model toward a cautious rather than assertive response.
const HedgedAnswerSuffix = `

The retrieved topics are only loosely related to the question. Be explicit about the uncertainty, hedge your answer, and invite the user to rephrase if it does not help.`

// SummaryInstruction guides the same-day chat summarization feature.
const SummaryInstruction = `Create a concise summary of today's important discussions from the group chat transcript.

Include decisions, announcements, action items, new information, and notable questions with their answers. Exclude small talk and pleasantries. Respond in the language of the transcript.`
